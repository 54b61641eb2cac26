// Package advisory scans edits for risky code patterns. It is warn-only
// by philosophy: the scanner reports, records a metric, and never
// blocks or rewrites anything. Only lines added by an edit are checked,
// so pre-existing code never triggers new warnings.
package advisory

import (
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"

	"hivemind/internal/logging"
	"hivemind/internal/store"
)

// Warning is one flagged added line.
type Warning struct {
	Category    string
	Message     string
	LinePreview string
}

// Report is the outcome of one edit analysis.
type Report struct {
	HasWarnings    bool
	Warnings       []Warning
	Recommendation string
}

type pattern struct {
	re      *regexp.Regexp
	exclude *regexp.Regexp
	message string
}

type patternGroup struct {
	category string
	patterns []pattern
}

func rx(expr string) *regexp.Regexp { return regexp.MustCompile(`(?i)` + expr) }

// catalog mirrors the curated risky-pattern list: code injection,
// hardcoded secrets, dangerous file operations, insecure
// deserialization, weak crypto, command injection, path traversal, and
// disabled TLS verification.
var catalog = []patternGroup{
	{"code", []pattern{
		{rx(`eval\s*\(`), nil, "eval() detected - potential code injection risk"},
		{rx(`exec\s*\(`), nil, "exec() detected - potential code injection risk"},
		{rx(`subprocess.*shell\s*=\s*True`), nil, "shell=True in subprocess - potential command injection"},
		{rx(`password\s*[:=]\s*["'][^"']+["']`), nil, "Hardcoded password detected"},
		{rx(`"password"\s*:\s*"[^"]+"`), nil, "Hardcoded password in JSON"},
		{rx(`["']password:\s*[^"']{3,}["']`), nil, "Password value in string literal"},
		{rx(`["']?api[_-]?key["']?\s*[:=]\s*["'][^"']+["']`), nil, "Hardcoded API key detected"},
		{rx(`["']?secret["']?\s*[:=]\s*["'][^"']+["']`), nil, "Hardcoded secret detected"},
		{rx(`["']?token["']?\s*[:=]\s*["'][^"']+["']`), nil, "Hardcoded token detected"},
		{rx(`["']?credentials?["']?\s*[:=]\s*["'][^"']+["']`), nil, "Hardcoded credentials detected"},
		{rx(`Bearer\s+[A-Za-z0-9_-]{20,}`), nil, "Hardcoded bearer token"},
		{rx(`(PRIVATE_KEY|PRIV_KEY)\s*=`), nil, "Private key assignment detected"},
		{rx(`SELECT.*\+.*user`), nil, "Potential SQL injection - string concatenation in query"},
	}},
	{"file_operations", []pattern{
		{rx(`rm\s+-rf\s+/`), nil, "Dangerous recursive delete from root"},
		{rx(`chmod\s+777`), nil, "Overly permissive file permissions"},
		{rx(`>\s*/etc/`), nil, "Writing to system config directory"},
	}},
	{"deserialization", []pattern{
		{rx(`pickle\.loads?\s*\(`), nil, "pickle.load/loads - insecure deserialization risk"},
		{rx(`yaml\.load\s*\([^,)]*\)`), rx(`Loader`), "yaml.load without SafeLoader - code execution risk"},
		{rx(`marshal\.loads?\s*\(`), nil, "marshal.load - insecure deserialization"},
	}},
	{"cryptography", []pattern{
		{rx(`hashlib\.md5\s*\(`), nil, "MD5 hash - cryptographically weak, avoid for security"},
		{rx(`hashlib\.sha1\s*\(`), nil, "SHA1 hash - cryptographically weak for passwords"},
		{rx(`random\.(randint|random|choice|shuffle)\s*\(`), nil, "random module - not cryptographically secure, use secrets module"},
	}},
	{"command_injection", []pattern{
		{rx(`os\.system\s*\(`), nil, "os.system - prefer subprocess with shell=False"},
		{rx(`os\.popen\s*\(`), nil, "os.popen - potential command injection"},
	}},
	{"path_traversal", []pattern{
		{rx(`\.\.[/\\]\.\.[/\\]`), nil, "Path traversal pattern (../ or ..\\) detected"},
		{rx(`open\s*\([^)]*\+[^)]*user`), nil, "File open with user input concatenation - validate path"},
	}},
	{"network", []pattern{
		{rx(`verify\s*=\s*False`), nil, "SSL/TLS verification disabled"},
		{rx(`ssl\._create_unverified_context`), nil, "Unverified SSL context - insecure"},
	}},
}

// Scanner analyzes edits. The store is optional; without it no metric
// rows are written.
type Scanner struct {
	store *store.Store
	log   *logging.Logger
	out   io.Writer
}

// New builds a scanner that warns on stderr.
func New(s *store.Store) *Scanner {
	return &Scanner{
		store: s,
		log:   logging.Get(logging.CategoryAdvisory),
		out:   os.Stderr,
	}
}

// AnalyzeEdit checks the lines an edit added against the catalog. It
// always returns a report; it never errors and never blocks the write.
func (s *Scanner) AnalyzeEdit(filePath, oldContent, newContent string) *Report {
	report := &Report{}

	for _, line := range addedLines(oldContent, newContent) {
		for _, group := range catalog {
			for _, p := range group.patterns {
				if !p.re.MatchString(line) {
					continue
				}
				if p.exclude != nil && p.exclude.MatchString(line) {
					continue
				}
				report.Warnings = append(report.Warnings, Warning{
					Category:    group.category,
					Message:     p.message,
					LinePreview: preview(line),
				})
			}
		}
	}

	report.HasWarnings = len(report.Warnings) > 0
	report.Recommendation = recommendation(report.Warnings)

	for _, w := range report.Warnings {
		fmt.Fprintf(s.out, "advisory: %s: [%s] %s\n", filePath, w.Category, w.Message)
		if s.store != nil {
			if err := s.store.RecordMetric("advisory_warning", w.Category, 1, filePath); err != nil {
				s.log.Debug("advisory metric failed: %v", err)
			}
		}
	}
	if report.HasWarnings {
		s.log.Info("%d advisory warning(s) for %s", len(report.Warnings), filePath)
	}
	return report
}

// addedLines returns lines present in new but not in old, skipping
// lines that are entirely comments.
func addedLines(old, new string) []string {
	oldSet := map[string]bool{}
	if old != "" {
		for _, l := range strings.Split(old, "\n") {
			oldSet[l] = true
		}
	}
	var out []string
	for _, l := range strings.Split(new, "\n") {
		if oldSet[l] || isCommentLine(l) {
			continue
		}
		out = append(out, l)
	}
	return out
}

// isCommentLine is true only for lines that are entirely a comment;
// code followed by a trailing comment still gets scanned.
func isCommentLine(line string) bool {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return false
	}
	for _, marker := range []string{"#", "//", "/*", "*", `"""`, "'''"} {
		if strings.HasPrefix(trimmed, marker) {
			return true
		}
	}
	return false
}

func recommendation(warnings []Warning) string {
	switch {
	case len(warnings) == 0:
		return "No concerns detected."
	case len(warnings) >= 3:
		return "[!] Multiple concerns - consider CEO escalation"
	default:
		return "[!] Review flagged items before proceeding"
	}
}

func preview(line string) string {
	if len(line) > 80 {
		return line[:80] + "..."
	}
	return line
}
