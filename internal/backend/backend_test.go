package backend

import (
	"strings"
	"testing"
)

func TestCommandArgv(t *testing.T) {
	argv, err := commandArgv("gam info domain")
	if err != nil {
		t.Fatalf("commandArgv: %v", err)
	}
	if len(argv) != 3 || argv[0] != "gam" || argv[1] != "info" || argv[2] != "domain" {
		t.Errorf("unexpected argv: %v", argv)
	}
}

func TestCommandArgvBareGam(t *testing.T) {
	argv, err := commandArgv("gam")
	if err != nil {
		t.Fatalf("commandArgv: %v", err)
	}
	if len(argv) != 1 {
		t.Errorf("unexpected argv: %v", argv)
	}
}

func TestCommandArgvTrimsWhitespace(t *testing.T) {
	argv, err := commandArgv("  gam   print users  ")
	if err != nil {
		t.Fatalf("commandArgv: %v", err)
	}
	if len(argv) != 3 {
		t.Errorf("expected 3 fields, got %v", argv)
	}
}

func TestCommandArgvRejectsEmpty(t *testing.T) {
	if _, err := commandArgv("   "); err == nil {
		t.Error("expected error for empty command")
	}
}

func TestCommandArgvRejectsNonGam(t *testing.T) {
	for _, cmd := range []string{"ls -la", "gamx info", "rm -rf /"} {
		if _, err := commandArgv(cmd); err == nil {
			t.Errorf("expected error for %q", cmd)
		}
	}
}

func TestCommandArgvRejectsShellMetacharacters(t *testing.T) {
	bad := []string{
		"gam info domain; rm -rf /",
		"gam info domain | tee out",
		"gam info `whoami`",
		"gam info $(whoami)",
		"gam info domain && ls",
	}
	for _, cmd := range bad {
		if _, err := commandArgv(cmd); err == nil {
			t.Errorf("expected error for %q", cmd)
		}
	}
}

func TestPodName(t *testing.T) {
	if got := podName("sess_1a2b3c4d"); got != "gam-session-1a2b3c4d" {
		t.Errorf("podName = %q", got)
	}
	// Longer ids are truncated to keep resource names short.
	if got := podName("sess_1a2b3c4d5e6f"); got != "gam-session-1a2b3c4d" {
		t.Errorf("podName = %q", got)
	}
}

func TestValidateCommandAllowsDegradedGrammar(t *testing.T) {
	for _, cmd := range []string{"echo hello", "pwd", "date", "help"} {
		if err := ValidateCommand(cmd); err != nil {
			t.Errorf("ValidateCommand(%q) = %v", cmd, err)
		}
	}
}

func TestSimulateShellGrammar(t *testing.T) {
	out, code := simulate([]string{"echo", "hello", "world"})
	if code != 0 || out != "hello world\r\n" {
		t.Errorf("echo = %q, %d", out, code)
	}

	out, code = simulate([]string{"pwd"})
	if code != 0 || !strings.HasPrefix(out, "/") {
		t.Errorf("pwd = %q, %d", out, code)
	}

	if _, code = simulate([]string{"date"}); code != 0 {
		t.Errorf("date exit code = %d", code)
	}

	out, code = simulate([]string{"help"})
	if code != 0 || !strings.Contains(out, "echo") {
		t.Errorf("help = %q, %d", out, code)
	}
}

func TestSimulateKnownCommands(t *testing.T) {
	out, code := simulate([]string{"gam", "version"})
	if code != 0 {
		t.Errorf("version exit code = %d", code)
	}
	if !strings.Contains(out, "degraded") {
		t.Errorf("version output missing degraded notice: %q", out)
	}

	out, code = simulate([]string{"gam", "info", "user", "alice@example.com"})
	if code != 0 {
		t.Errorf("info exit code = %d", code)
	}
	if !strings.Contains(out, "alice@example.com") {
		t.Errorf("info output missing target: %q", out)
	}

	// Bare subcommand form, as produced by the info user rewrite.
	out, code = simulate([]string{"info", "user", "alice@example.com"})
	if code != 0 {
		t.Errorf("bare info exit code = %d", code)
	}
	if !strings.Contains(out, "alice@example.com") {
		t.Errorf("bare info output missing target: %q", out)
	}
}

func TestSimulateUnknownCommand(t *testing.T) {
	out, code := simulate([]string{"gam", "delete", "user", "bob"})
	if code != 127 {
		t.Errorf("unknown command exit code = %d, want 127", code)
	}
	if !strings.Contains(out, "degraded") {
		t.Errorf("missing degraded notice: %q", out)
	}
}
