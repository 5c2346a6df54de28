package testutil

// regressionData holds the files of a regression test directory.
type regressionData struct {
	rel         string
	name        string
	description string
	status      string
	extra       map[string]string
}

// defaultRegression returns a regression named after its directory that passes.
func defaultRegression(rel string) regressionData {
	return regressionData{
		rel:    rel,
		status: "passed",
		extra:  map[string]string{},
	}
}

// RegressionOption configures a regression test directory.
type RegressionOption func(*regressionData)

// Name sets the descriptor name. The default is the directory base name.
func Name(name string) RegressionOption {
	return func(r *regressionData) { r.name = name }
}

// Description sets the descriptor description.
func Description(desc string) RegressionOption {
	return func(r *regressionData) { r.description = desc }
}

// Status sets the keyword StatusHarness writes to the result file.
func Status(status string) RegressionOption {
	return func(r *regressionData) { r.status = status }
}

// File adds an extra file, relative to the test directory.
func File(name, content string) RegressionOption {
	return func(r *regressionData) { r.extra[name] = content }
}
