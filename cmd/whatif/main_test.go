package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestRunCheckMissingFileFails(t *testing.T) {
	var out bytes.Buffer
	err := runCheck(filepath.Join(t.TempDir(), "absent.yaml"), &out)
	if err == nil {
		t.Fatal("an explicitly named missing config must be an error")
	}
	if strings.Contains(out.String(), "config ok") {
		t.Errorf("no ok output expected, got %q", out.String())
	}
}

func TestRunCheckValidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("listen: :9000\n"), 0600); err != nil {
		t.Fatal(err)
	}

	var out bytes.Buffer
	if err := runCheck(path, &out); err != nil {
		t.Fatalf("runCheck: %v", err)
	}
	got := out.String()
	if !strings.Contains(got, "config ok") || !strings.Contains(got, "sha256:") {
		t.Errorf("unexpected output: %q", got)
	}
	if !strings.Contains(got, ":9000") {
		t.Errorf("listen address not reported: %q", got)
	}
}

func TestRunCheckEmptyPathUsesDefaults(t *testing.T) {
	var out bytes.Buffer
	if err := runCheck("", &out); err != nil {
		t.Fatalf("runCheck: %v", err)
	}
	if !strings.Contains(out.String(), "config ok") {
		t.Errorf("defaults must validate: %q", out.String())
	}
}

func TestNewLoggerRejectsBadLevel(t *testing.T) {
	if _, err := newLogger("chatty"); err == nil {
		t.Error("expected error for unknown log level")
	}
	if _, err := newLogger("debug"); err != nil {
		t.Errorf("debug should be accepted: %v", err)
	}
}
