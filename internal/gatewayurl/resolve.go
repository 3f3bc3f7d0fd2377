// Package gatewayurl computes the base URL for upstream calls from a single
// configuration directive, optionally redirecting traffic through a
// validated forwarding gateway.
//
// Resolve is pure, deterministic, and total: malformed directives degrade to
// the direct upstream URL instead of failing the call.
package gatewayurl

import (
	"regexp"
	"strings"
)

// DirectBaseURL is the upstream generative-language API endpoint used when no
// forwarding gateway applies.
const DirectBaseURL = "https://generativelanguage.googleapis.com"

// DirectiveDefault selects the baked-in default forwarding project and
// gateway name.
const DirectiveDefault = "default"

const (
	forwardBaseURL = "https://gateway.ai.cloudflare.com/v1"
	forwardSuffix  = "google-ai-studio"

	defaultProjectID   = "8f3c0d9b2a6e415f9c7d1b0a4e8d2c6f"
	defaultGatewayName = "gemini"
)

// projectIDPattern is the required shape of a forwarding project identifier.
var projectIDPattern = regexp.MustCompile(`^[0-9a-f]{32}$`)

// Resolve maps a gateway directive to the base URL outbound calls should use.
//
// Recognized forms:
//
//	""                        → direct upstream URL
//	"default"                 → baked-in project + gateway, if the baked-in
//	                            project id passes the 32-hex check
//	"projectID/gatewayName"   → that project + gateway, if projectID is
//	                            32 lowercase hex chars and gatewayName is
//	                            non-empty
//
// Any other value falls back to the direct upstream URL.
func Resolve(directive string) string {
	directive = strings.TrimSpace(directive)
	switch {
	case directive == "":
		return DirectBaseURL
	case directive == DirectiveDefault:
		return forwardURL(defaultProjectID, defaultGatewayName)
	}

	project, gateway, ok := strings.Cut(directive, "/")
	if !ok {
		return DirectBaseURL
	}
	return forwardURL(project, gateway)
}

func forwardURL(projectID, gatewayName string) string {
	if !projectIDPattern.MatchString(projectID) || gatewayName == "" || strings.Contains(gatewayName, "/") {
		return DirectBaseURL
	}
	return forwardBaseURL + "/" + projectID + "/" + gatewayName + "/" + forwardSuffix
}
