package tracing

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestNewProvider_Disabled(t *testing.T) {
	p, err := NewProvider(Config{})
	require.NoError(t, err)
	require.False(t, p.Enabled())

	_, span := p.Tracer().Start(context.Background(), "noop")
	require.False(t, span.SpanContext().IsValid())
	span.End()
	require.NoError(t, p.Shutdown(context.Background()))
}

func TestNewProvider_Exporters(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr string
	}{
		{name: "none", cfg: Config{Enabled: true, Exporter: ExporterNone}},
		{name: "stdout", cfg: Config{Enabled: true, Exporter: ExporterStdout}},
		{name: "file", cfg: Config{Enabled: true, Exporter: ExporterFile, FilePath: filepath.Join(t.TempDir(), "t.jsonl")}},
		{name: "file without path", cfg: Config{Enabled: true, Exporter: ExporterFile}, wantErr: "file_path required"},
		{name: "unknown", cfg: Config{Enabled: true, Exporter: "zipkin"}, wantErr: "unsupported exporter type"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := NewProvider(tt.cfg)
			if tt.wantErr != "" {
				require.ErrorContains(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			require.True(t, p.Enabled())
			require.NoError(t, p.Shutdown(context.Background()))
		})
	}
}

func TestNewProvider_FileExporterWritesSpans(t *testing.T) {
	path := filepath.Join(t.TempDir(), "traces", "traces.jsonl")
	p, err := NewProvider(Config{Enabled: true, Exporter: ExporterFile, FilePath: path})
	require.NoError(t, err)

	ctx, run := StartRun(context.Background(), p.Tracer(), "run-1", []string{"/tests/a"})
	_, js := StartJob(ctx, p.Tracer(), "/tests/a/a1", "regression")
	EndJob(js, "failed", "diff mismatch")
	run.End()
	require.NoError(t, p.Shutdown(context.Background()))

	f, err := os.Open(path)
	require.NoError(t, err)
	defer func() { _ = f.Close() }()

	var records []SpanRecord
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var rec SpanRecord
		require.NoError(t, json.Unmarshal(sc.Bytes(), &rec))
		records = append(records, rec)
	}
	require.Len(t, records, 2)

	byName := map[string]SpanRecord{}
	for _, r := range records {
		byName[r.Name] = r
	}
	job := byName[SpanJobExecute]
	require.Equal(t, "ERROR", job.Status)
	require.Equal(t, "diff mismatch", job.StatusMsg)
	require.Equal(t, "/tests/a/a1", job.Attributes[AttrTestID])
	require.Equal(t, byName[SpanRun].SpanID, job.ParentID)
	require.Equal(t, "run-1", byName[SpanRun].Attributes[AttrRunID])
}

func TestFileExporter_ShutdownTwice(t *testing.T) {
	exp, err := NewFileExporter(filepath.Join(t.TempDir(), "t.jsonl"))
	require.NoError(t, err)
	require.NoError(t, exp.Shutdown(context.Background()))
	require.NoError(t, exp.Shutdown(context.Background()))
	require.Error(t, exp.ExportSpans(context.Background(), nil))
}

func TestEndJob_Status(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	tracer := tp.Tracer("test")

	for _, state := range []string{"passed", "skipped", "errored"} {
		_, span := StartJob(context.Background(), tracer, "id-"+state, "analysis")
		EndJob(span, state, "msg")
	}

	ended := rec.Ended()
	require.Len(t, ended, 3)
	require.Equal(t, codes.Ok, ended[0].Status().Code)
	require.Equal(t, codes.Ok, ended[1].Status().Code)
	require.Equal(t, codes.Error, ended[2].Status().Code)
}
