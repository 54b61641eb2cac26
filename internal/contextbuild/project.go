package contextbuild

import (
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// ProjectInfo is the optional per-project metadata loaded for Tier 0.
type ProjectInfo struct {
	Name     string   `yaml:"name"`
	Domains  []string `yaml:"domains"`
	Inherits []string `yaml:"inherits"`
	Root     string   `yaml:"-"`
}

const projectDescriptionLimit = 2000

// detectProject loads <base>/project.yaml if present. A missing or
// malformed file means no project context; Tier 0 is skipped.
func detectProject(base string) *ProjectInfo {
	data, err := os.ReadFile(filepath.Join(base, "project.yaml"))
	if err != nil {
		return nil
	}
	var info ProjectInfo
	if err := yaml.Unmarshal(data, &info); err != nil {
		return nil
	}
	if info.Name == "" {
		return nil
	}
	info.Root = base
	return &info
}

// projectDescription reads <base>/context.md, truncated to the Tier 0
// cap.
func projectDescription(base string) string {
	data, err := os.ReadFile(filepath.Join(base, "context.md"))
	if err != nil {
		return ""
	}
	body := string(data)
	if len(body) > projectDescriptionLimit {
		body = body[:projectDescriptionLimit] + "\n...(truncated)"
	}
	return body
}
