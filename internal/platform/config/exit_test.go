package config

import (
	"bytes"
	"os"
	"os/exec"
	"strings"
	"testing"
)

// TestExitf_ExitsWithCode1 uses the subprocess pattern because os.Exit cannot
// be intercepted once the real exit function is installed.
func TestExitf_ExitsWithCode1(t *testing.T) {
	if os.Getenv("TEST_EXITF_SUBPROCESS") == "1" {
		Exitf("fatal: %s", "something broke")
		return
	}

	cmd := exec.Command(os.Args[0], "-test.run=^TestExitf_ExitsWithCode1$")
	cmd.Env = append(os.Environ(), "TEST_EXITF_SUBPROCESS=1")

	out, err := cmd.CombinedOutput()

	exitErr, ok := err.(*exec.ExitError)
	if !ok {
		t.Fatalf("expected *exec.ExitError, got %T: %v", err, err)
	}
	if exitErr.ExitCode() != 1 {
		t.Fatalf("expected exit code 1, got %d", exitErr.ExitCode())
	}
	if !strings.Contains(string(out), "fatal: something broke") {
		t.Fatalf("expected stderr to contain %q, got %q", "fatal: something broke", string(out))
	}
}

func TestExitWithCodeWritesAndExits(t *testing.T) {
	var gotCode int
	exit = func(code int) { gotCode = code }
	t.Cleanup(func() { exit = os.Exit })

	var buf bytes.Buffer
	ExitWithCode(&buf, 2, "usage: %s", "maintenance -h")

	if gotCode != 2 {
		t.Fatalf("exit code = %d, want 2", gotCode)
	}
	if buf.String() != "usage: maintenance -h\n" {
		t.Fatalf("output = %q", buf.String())
	}
}
