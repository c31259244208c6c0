package policyengine

import (
	"regexp"
	"strings"

	"ladder/pkg/models"
)

type diffPattern struct {
	Name        string
	Description string
	re          *regexp.Regexp
}

// diffPatterns is the closed table of recognized prohibited patterns. A
// package's prohibited_patterns entries select which of these run; names
// without a table entry are ignored.
var diffPatterns = []diffPattern{
	{
		Name:        "hardcoded_secrets",
		Description: "hardcoded credential, token, or API key",
		re:          regexp.MustCompile(`(?i)(?:api[_-]?key|secret|token|passwd|password|credential)s?\s*[:=]\s*["'][A-Za-z0-9+/_\-]{8,}["']`),
	},
	{
		Name:        "aws_access_key",
		Description: "AWS access key identifier",
		re:          regexp.MustCompile(`\bAKIA[0-9A-Z]{16}\b`),
	},
	{
		Name:        "private_key_material",
		Description: "inline private key block",
		re:          regexp.MustCompile(`-----BEGIN (?:RSA |EC |OPENSSH )?PRIVATE KEY-----`),
	},
	{
		Name:        "wildcard_iam",
		Description: "IAM statement with wildcard action or resource",
		re:          regexp.MustCompile(`"(?:Action|Resource)"\s*:\s*"\*"`),
	},
	{
		Name:        "undeclared_outbound_http",
		Description: "outbound HTTP call embedded in code",
		re:          regexp.MustCompile(`https?://[A-Za-z0-9.\-]+(?::\d+)?(?:/[^\s"']*)?`),
	},
	{
		Name:        "disabled_tls_verification",
		Description: "TLS certificate verification disabled",
		re:          regexp.MustCompile(`(?i)(?:InsecureSkipVerify\s*:\s*true|verify\s*=\s*False|-k\s+--insecure|rejectUnauthorized\s*:\s*false)`),
	},
	{
		Name:        "shell_injection",
		Description: "shell execution of interpolated input",
		re:          regexp.MustCompile(`(?i)(?:os\.system|subprocess\.(?:call|run|Popen)|exec\.Command)\s*\([^)]*(?:\+|%s|\$\{|f")`),
	},
}

// CheckDiff scans only added lines of a unified diff against the pattern
// table selected by the package's prohibited_patterns. Context and removed
// lines never produce violations; removing a bad line must not block.
func (e *Engine) CheckDiff(diff string) []models.Violation {
	violations := []models.Violation{}
	if len(e.diffTable) == 0 {
		return violations
	}
	lines := strings.Split(diff, "\n")
	for i, line := range lines {
		if !strings.HasPrefix(line, "+") || strings.HasPrefix(line, "+++") {
			continue
		}
		added := line[1:]
		for _, p := range e.diffTable {
			if loc := p.re.FindString(added); loc != "" {
				violations = append(violations, models.Violation{
					Pattern:     p.Name,
					Description: p.Description,
					Line:        i + 1,
					Snippet:     strings.TrimSpace(added),
				})
			}
		}
	}
	return violations
}

// DiffPatternNames lists the pattern names the engine understands,
// regardless of which ones the current package enables.
func DiffPatternNames() []string {
	names := make([]string, 0, len(diffPatterns))
	for _, p := range diffPatterns {
		names = append(names, p.Name)
	}
	return names
}
