// Package secrets flags credential-shaped content before it is pushed in plaintext.
package secrets

import (
	"math"
	"regexp"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/tether-sync/tether/internal/utils"
)

type Kind string

const (
	KindAWSAccessKey Kind = "aws-access-key"
	KindAWSSecretKey Kind = "aws-secret-key"
	KindGitHubToken  Kind = "github-token"
	KindAPIKey       Kind = "api-key"
	KindPrivateKey   Kind = "private-key"
	KindPassword     Kind = "password"
	KindDatabaseURL  Kind = "database-url"
	KindBearerToken  Kind = "bearer-token"
	KindHighEntropy  Kind = "high-entropy"
)

const (
	defaultMinEntropy = 4.0
	maxContextLen     = 80
)

// Finding is one suspected secret. Context is the line with the value redacted.
type Finding struct {
	Path    string `json:"path"`
	Line    int    `json:"line"`
	Kind    Kind   `json:"kind"`
	Context string `json:"context"`
}

type pattern struct {
	kind  Kind
	re    *regexp.Regexp
	group int
	// entropy-gated patterns only report values that look random
	entropy bool
}

var patterns = []pattern{
	{kind: KindAWSAccessKey, re: regexp.MustCompile(`AKIA[0-9A-Z]{16}`)},
	{kind: KindAWSSecretKey, re: regexp.MustCompile(`(?i)aws_secret_access_key\s*[=:]\s*['"]?([A-Za-z0-9/+=]{40})['"]?`), group: 1},
	{kind: KindGitHubToken, re: regexp.MustCompile(`gh[pousr]_[A-Za-z0-9]{36}`)},
	{kind: KindGitHubToken, re: regexp.MustCompile(`github_pat_[A-Za-z0-9]{22}_[A-Za-z0-9]{59}`)},
	{kind: KindAPIKey, re: regexp.MustCompile(`(?i)(api[_-]?key|apikey)\s*[=:]\s*['"]([A-Za-z0-9_\-]{20,})['"]`), group: 2},
	{kind: KindPrivateKey, re: regexp.MustCompile(`-----BEGIN\s+(RSA\s+|EC\s+|DSA\s+|OPENSSH\s+)?PRIVATE KEY-----`)},
	{kind: KindPassword, re: regexp.MustCompile(`(?i)(password|passwd|pwd)\s*[=:]\s*['"]([^'"]{8,})['"]`), group: 2},
	{kind: KindDatabaseURL, re: regexp.MustCompile(`(?i)(postgres(ql)?|mysql|mongodb(\+srv)?|redis)://[^:\s/]+:[^@\s]+@`)},
	{kind: KindBearerToken, re: regexp.MustCompile(`Bearer\s+[A-Za-z0-9\-._~+/]{16,}=*`)},
	{kind: KindHighEntropy, re: regexp.MustCompile(`['"]([A-Za-z0-9+/]{32,}={0,2})['"]`), group: 1, entropy: true},
}

var redactRe = regexp.MustCompile(`([=:]\s*)['"]?[A-Za-z0-9+/=_\-.]{8,}['"]?`)

// Scanner matches content against the credential catalogue.
type Scanner struct {
	minEntropy float64
	allow      []string
}

type Option func(*Scanner)

// WithAllow skips paths matching any of the doublestar patterns.
func WithAllow(globs ...string) Option {
	return func(s *Scanner) {
		s.allow = append(s.allow, globs...)
	}
}

func WithMinEntropy(bits float64) Option {
	return func(s *Scanner) {
		s.minEntropy = bits
	}
}

func NewScanner(opts ...Option) *Scanner {
	s := &Scanner{minEntropy: defaultMinEntropy}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Scan reports at most one finding per line.
func (s *Scanner) Scan(path string, content []byte) []Finding {
	if s.allowed(path) {
		return nil
	}

	var findings []Finding
	for i, line := range strings.Split(string(content), "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		if kind, ok := s.matchLine(line); ok {
			findings = append(findings, Finding{
				Path:    path,
				Line:    i + 1,
				Kind:    kind,
				Context: Redact(line),
			})
		}
	}
	return findings
}

func (s *Scanner) matchLine(line string) (Kind, bool) {
	for _, p := range patterns {
		m := p.re.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		if p.entropy && Entropy(m[p.group]) < s.minEntropy {
			continue
		}
		return p.kind, true
	}
	return "", false
}

func (s *Scanner) allowed(path string) bool {
	for _, glob := range s.allow {
		if ok, _ := doublestar.Match(glob, path); ok {
			return true
		}
	}
	return false
}

// Redact hides assigned values and known token shapes in line, truncated for display.
func Redact(line string) string {
	out := redactRe.ReplaceAllString(line, "${1}***REDACTED***")
	for _, p := range patterns {
		if p.group != 0 {
			continue
		}
		out = p.re.ReplaceAllStringFunc(out, utils.MaskMiddle)
	}
	out = strings.TrimSpace(out)
	if len(out) > maxContextLen {
		out = out[:maxContextLen-3] + "..."
	}
	return out
}

// Entropy is the Shannon entropy of s in bits per character.
func Entropy(s string) float64 {
	if s == "" {
		return 0
	}
	freq := make(map[rune]int)
	for _, r := range s {
		freq[r]++
	}
	var h float64
	n := float64(len([]rune(s)))
	for _, c := range freq {
		p := float64(c) / n
		h -= p * math.Log2(p)
	}
	return h
}
