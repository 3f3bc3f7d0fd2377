package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func runCommand(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := validateCmd()
	switch args[0] {
	case "resolve":
		root = resolveCmd()
	case "version":
		root = versionCmd()
	}
	var buf bytes.Buffer
	root.SetOut(&buf)
	root.SetErr(&buf)
	root.SetArgs(args[1:])
	err := root.Execute()
	return buf.String(), err
}

func TestResolveCommand(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want string
	}{
		{"no directive", []string{"resolve"}, "https://generativelanguage.googleapis.com"},
		{"default directive", []string{"resolve", "default"}, "https://gateway.ai.cloudflare.com/v1/"},
		{"malformed directive", []string{"resolve", "not-hex/gw"}, "https://generativelanguage.googleapis.com"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			out, err := runCommand(t, tc.args...)
			if err != nil {
				t.Fatalf("resolve: %v", err)
			}
			if !strings.HasPrefix(strings.TrimSpace(out), tc.want) {
				t.Fatalf("resolve output %q does not start with %q", out, tc.want)
			}
		})
	}
}

func TestValidateCommand(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
server:
  port: 9090
catalog:
  models:
    gemini-2.5-flash:
      category: flash
      daily_per_key: 100
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	out, err := runCommand(t, "validate", path)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if !strings.Contains(out, "Config is valid") {
		t.Fatalf("unexpected output: %s", out)
	}
	if !strings.Contains(out, "gemini-2.5-flash (flash, 100/day per key)") {
		t.Fatalf("missing model line: %s", out)
	}
}

func TestValidateCommandRejectsBadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("unknown_key: true\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := runCommand(t, "validate", path); err == nil {
		t.Fatal("expected validation to fail")
	}
}
