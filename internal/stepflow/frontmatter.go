package stepflow

import (
	"strings"

	"gopkg.in/yaml.v3"
)

const frontmatterDelim = "---"

// splitFrontmatter separates a leading "---\n...\n---\n" block from the
// body. Content without a frontmatter block comes back unchanged with
// an empty header.
func splitFrontmatter(content string) (header, body string) {
	normalized := strings.ReplaceAll(content, "\r\n", "\n")
	if !strings.HasPrefix(normalized, frontmatterDelim+"\n") {
		return "", content
	}
	rest := normalized[len(frontmatterDelim)+1:]
	end := strings.Index(rest, "\n"+frontmatterDelim)
	if end < 0 {
		return "", content
	}
	header = rest[:end]
	body = rest[end+len(frontmatterDelim)+1:]
	body = strings.TrimPrefix(body, "\n")
	return header, body
}

// decodeState parses a state frontmatter block; a missing or malformed
// block yields the zero state and the full content as body.
func decodeState(content string) (State, string) {
	header, body := splitFrontmatter(content)
	if header == "" {
		return State{}, body
	}
	var st State
	if err := yaml.Unmarshal([]byte(header), &st); err != nil {
		return State{}, content
	}
	return st, body
}

// encodeState renders state as frontmatter followed by the body.
func encodeState(st State, body string) string {
	out, err := yaml.Marshal(st)
	if err != nil {
		return body
	}
	return frontmatterDelim + "\n" + string(out) + frontmatterDelim + "\n\n" + body
}

// StepBody strips a step file's own frontmatter, returning just the
// instructions.
func StepBody(content string) string {
	_, body := splitFrontmatter(content)
	return body
}
