package redact

// Rule is one detection pattern. A rule with keywords is only evaluated
// when the text contains at least one of them, case-insensitively.
type Rule struct {
	ID       string
	Pattern  string
	Keywords []string
}

// DefaultRules returns the built-in rules. Token formats with a
// self-identifying prefix carry no keywords.
func DefaultRules() []Rule {
	return []Rule{
		{ID: "private-key", Pattern: `-----BEGIN (?:RSA |DSA |EC |OPENSSH |PGP )?PRIVATE KEY(?: BLOCK)?-----[\s\S]*?-----END (?:RSA |DSA |EC |OPENSSH |PGP )?PRIVATE KEY(?: BLOCK)?-----`},
		{ID: "github-token", Pattern: `gh[pousr]_[A-Za-z0-9]{36}`},
		{ID: "github-fine-grained", Pattern: `github_pat_[A-Za-z0-9_]{22,}`},
		{ID: "gitlab-token", Pattern: `glpat-[A-Za-z0-9\-]{20,}`},
		{ID: "slack-token", Pattern: `xox[baprs]-[A-Za-z0-9\-]{10,}`},
		{ID: "stripe-key", Pattern: `(?:sk|pk|rk)_(?:live|test)_[A-Za-z0-9]{24,}`},
		{ID: "npm-token", Pattern: `npm_[A-Za-z0-9]{36}`},
		{ID: "anthropic-api-key", Pattern: `sk-ant-[A-Za-z0-9_\-]{32,}`},
		{ID: "openai-api-key", Pattern: `sk-(?:proj-)?[A-Za-z0-9_\-]{40,}`},
		{ID: "google-api-key", Pattern: `AIza[A-Za-z0-9_\-]{35}`},
		{ID: "sendgrid-api-key", Pattern: `SG\.[A-Za-z0-9_\-]{22,}\.[A-Za-z0-9_\-]{43,}`},
		{ID: "jwt", Pattern: `eyJ[A-Za-z0-9_-]{8,}\.eyJ[A-Za-z0-9_-]{8,}\.[A-Za-z0-9_-]+`},
		{ID: "aws-access-key-id", Pattern: `(?:A3T[A-Z0-9]|AKIA|AGPA|AIDA|AROA|AIPA|ANPA|ANVA|ASIA)[A-Z0-9]{16}`},
		{
			ID:       "aws-secret-access-key",
			Pattern:  `(?i)(?:aws_secret_access_key|aws_secret_key|secret_access_key)\s*[:=]\s*['"]?([A-Za-z0-9/+=]{40})`,
			Keywords: []string{"secret"},
		},
		{
			ID:       "url-credentials",
			Pattern:  `[a-zA-Z][a-zA-Z0-9+.-]*://[^:/@\s]+:([^@/\s]+)@`,
			Keywords: []string{"://"},
		},
		{
			ID:       "bearer-token",
			Pattern:  `(?i)bearer\s+([A-Za-z0-9_\-.=]{20,})`,
			Keywords: []string{"bearer"},
		},
		{
			ID:       "credential-assignment",
			Pattern:  `(?i)(?:api[_-]?key|secret|password|passwd|token)["']?\s*[:=]\s*["']?([^\s"',;]{8,})`,
			Keywords: []string{"key", "secret", "passw", "token"},
		},
	}
}
