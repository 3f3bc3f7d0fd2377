package gatewayurl

import (
	"strings"
	"testing"
)

const validProject = "0123456789abcdef0123456789abcdef"

func TestResolve(t *testing.T) {
	tests := []struct {
		name      string
		directive string
		want      string
	}{
		{"empty", "", DirectBaseURL},
		{"whitespace", "   ", DirectBaseURL},
		{"default flag", "default", "https://gateway.ai.cloudflare.com/v1/8f3c0d9b2a6e415f9c7d1b0a4e8d2c6f/gemini/google-ai-studio"},
		{"valid pair", validProject + "/gw", "https://gateway.ai.cloudflare.com/v1/" + validProject + "/gw/google-ai-studio"},
		{"non-hex project", "nothex/gw", DirectBaseURL},
		{"uppercase hex rejected", strings.ToUpper(validProject) + "/gw", DirectBaseURL},
		{"short project", "abcdef/gw", DirectBaseURL},
		{"empty gateway name", validProject + "/", DirectBaseURL},
		{"gateway name with slash", validProject + "/a/b", DirectBaseURL},
		{"no separator", validProject, DirectBaseURL},
		{"garbage", "not a directive at all", DirectBaseURL},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Resolve(tt.directive); got != tt.want {
				t.Errorf("Resolve(%q) = %q, want %q", tt.directive, got, tt.want)
			}
		})
	}
}

func TestResolveIsDeterministic(t *testing.T) {
	for _, directive := range []string{"", "default", validProject + "/gw", "junk"} {
		first := Resolve(directive)
		for i := 0; i < 3; i++ {
			if got := Resolve(directive); got != first {
				t.Fatalf("Resolve(%q) not deterministic: %q then %q", directive, first, got)
			}
		}
	}
}
