package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestFileLoggerWritesWhenEnabled(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.log")
	l := NewFileLogger(path, true)
	l.Logf("hello %s", "world")

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if !strings.Contains(string(data), "hello world") {
		t.Fatalf("log contents = %q, want substring %q", data, "hello world")
	}
}

func TestFileLoggerNoopWhenDisabled(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.log")
	l := NewFileLogger(path, false)
	l.Logf("should not appear")

	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatal("expected no file to be created when logger is disabled")
	}
}

func TestNullSinksDiscardSilently(t *testing.T) {
	NullLogger{}.Logf("x")
	NullNotifier{}.Notify("y")
}
