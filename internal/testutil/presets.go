package testutil

// Harness scripts installed at <root>/bin/snorttest.py. They run inside the
// test directory like the real harness.
const (
	// PassingHarness reports every test as passed.
	PassingHarness = "#!/bin/sh\nprintf 'passed\\t\\n' > snorttest.result\n"

	// StatusHarness reports the keyword stored in the test's status file,
	// with "from harness" as detail.
	StatusHarness = "#!/bin/sh\nprintf '%s\\tfrom harness\\n' \"$(cat status)\" > snorttest.result\n"

	// SlowHarness passes after sleeping long enough to be cancelled.
	SlowHarness = "#!/bin/sh\nsleep 30\nprintf 'passed\\t\\n' > snorttest.result\n"
)

// WithStandardTree adds pkg/a/{a1,a2} and pkg/b/b1.
func (b *TreeBuilder) WithStandardTree() *TreeBuilder {
	return b.
		WithRegression("pkg/a/a1").
		WithRegression("pkg/a/a2").
		WithRegression("pkg/b/b1")
}
