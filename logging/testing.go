package logging

import (
	"strings"
	"testing"
)

// testWriter adapts a testing.TB into an io.Writer so zap can log through
// go test's own per-test output capture instead of raw stdout.
//
// Writing logs with tb.Log correctly associates the log line with the
// Golang "Test*" function that's currently running, which matters once
// tests run in parallel.
type testWriter struct {
	tb testing.TB
}

func newTestWriter(tb testing.TB) *testWriter {
	return &testWriter{tb}
}

func (tw *testWriter) Write(p []byte) (int, error) {
	tw.tb.Helper()
	tw.tb.Log(strings.TrimRight(string(p), "\n"))
	return len(p), nil
}
