package logging

import (
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
)

func TestParseLevel(t *testing.T) {
	tests := map[string]zerolog.Level{
		"trace":   zerolog.TraceLevel,
		"DEBUG":   zerolog.DebugLevel,
		"warning": zerolog.WarnLevel,
		"error":   zerolog.ErrorLevel,
		"":        zerolog.InfoLevel,
		"bogus":   zerolog.InfoLevel,
	}
	for in, want := range tests {
		if got := ParseLevel(in); got != want {
			t.Fatalf("ParseLevel(%q): expected %s, got %s", in, want, got)
		}
	}
}

func TestFilePathForDB(t *testing.T) {
	if got := FilePathForDB(""); got != DefaultLogFilePath {
		t.Fatalf("expected %s, got %s", DefaultLogFilePath, got)
	}
	dir := t.TempDir()
	got := FilePathForDB(filepath.Join(dir, "reqflow.db"))
	if got != filepath.Join(dir, DefaultLogFilePath) {
		t.Fatalf("expected log next to db, got %s", got)
	}
}
