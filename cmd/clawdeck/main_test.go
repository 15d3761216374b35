package main

import (
	"context"
	"testing"
)

func TestVersionOr(t *testing.T) {
	if got := versionOr(""); got != Version {
		t.Errorf("versionOr(\"\") = %q, want the build version", got)
	}
	if got := versionOr("v9.9"); got != "v9.9" {
		t.Errorf("versionOr = %q, want the configured override", got)
	}
}

func TestStatusCommandEmptyStore(t *testing.T) {
	t.Setenv("CLAWDECK_HOME", t.TempDir())
	if code := runStatusCommand(context.Background(), nil); code != 0 {
		t.Errorf("status exit code = %d, want 0", code)
	}
}

func TestStatusCommandRejectsArgs(t *testing.T) {
	if code := runStatusCommand(context.Background(), []string{"extra"}); code != 2 {
		t.Errorf("exit code = %d, want 2", code)
	}
}
