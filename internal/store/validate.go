package store

import (
	"strings"

	"hivemind/internal/hiveerr"
)

const (
	maxDomainLen = 100
	maxTagLen    = 50
	maxTagCount  = 50
	maxQueryLen  = 10000
	maxLimit     = 1000
	maxTokensCap = 50000
)

// ValidateDomain checks a domain name: non-empty, bounded, and limited
// to a filename-safe character set so domains can appear in paths.
func ValidateDomain(domain string) error {
	if domain == "" {
		return hiveerr.Validationf("domain cannot be empty")
	}
	if len(domain) > maxDomainLen {
		return hiveerr.Validationf("domain exceeds %d characters", maxDomainLen)
	}
	for _, r := range domain {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '-', r == '_', r == '.':
		default:
			return hiveerr.Validationf("domain contains invalid character %q", r)
		}
	}
	return nil
}

// ValidateTags bounds tag count and individual tag length.
func ValidateTags(tags []string) error {
	if len(tags) > maxTagCount {
		return hiveerr.Validationf("too many tags: %d (max %d)", len(tags), maxTagCount)
	}
	for _, t := range tags {
		if t == "" {
			return hiveerr.Validationf("tags cannot be empty")
		}
		if len(t) > maxTagLen {
			return hiveerr.Validationf("tag %q exceeds %d characters", t[:20], maxTagLen)
		}
	}
	return nil
}

// ValidateQuery bounds free-text query length.
func ValidateQuery(query string) error {
	if strings.TrimSpace(query) == "" {
		return hiveerr.Validationf("query cannot be empty")
	}
	if len(query) > maxQueryLen {
		return hiveerr.Validationf("query exceeds %d characters", maxQueryLen)
	}
	return nil
}

// ClampLimit normalizes a result limit into [1, 1000], applying def
// when the caller passed zero.
func ClampLimit(limit, def int) int {
	if limit == 0 {
		limit = def
	}
	if limit < 1 {
		limit = 1
	}
	if limit > maxLimit {
		limit = maxLimit
	}
	return limit
}

// ValidateMaxTokens bounds a token budget.
func ValidateMaxTokens(maxTokens int) error {
	if maxTokens < 0 {
		return hiveerr.Validationf("max_tokens must be >= 0, got %d", maxTokens)
	}
	if maxTokens > maxTokensCap {
		return hiveerr.Validationf("max_tokens exceeds %d", maxTokensCap)
	}
	return nil
}

// EscapeLike escapes LIKE metacharacters so user terms match
// literally. Callers must add ESCAPE '\' to the clause.
func EscapeLike(term string) string {
	term = strings.ReplaceAll(term, `\`, `\\`)
	term = strings.ReplaceAll(term, `%`, `\%`)
	term = strings.ReplaceAll(term, `_`, `\_`)
	return term
}
