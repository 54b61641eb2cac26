package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConfig(t *testing.T, base, content string) {
	t.Helper()
	customDir := filepath.Join(base, "custom")
	if err := os.MkdirAll(customDir, 0o755); err != nil {
		t.Fatalf("mkdir custom: %v", err)
	}
	if err := os.WriteFile(filepath.Join(customDir, "config.yaml"), []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
}

func resetState() {
	CloseAll()
	logsDir = ""
	cfg = loggingConfig{}
	logLevel = LevelInfo
}

func TestDebugModeCreatesLogFiles(t *testing.T) {
	defer resetState()
	base := t.TempDir()
	writeConfig(t, base, "logging:\n  debug_mode: true\n  level: debug\n")

	if err := Initialize(base); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	Get(CategoryLifecycle).Info("confidence update applied")
	CloseAll()

	entries, err := os.ReadDir(filepath.Join(base, "logs"))
	if err != nil {
		t.Fatalf("logs dir missing: %v", err)
	}
	var found bool
	for _, e := range entries {
		if strings.Contains(e.Name(), "lifecycle") {
			found = true
		}
	}
	if !found {
		t.Error("expected a lifecycle log file")
	}
}

func TestProductionModeIsNoOp(t *testing.T) {
	defer resetState()
	base := t.TempDir()

	if err := Initialize(base); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	Get(CategoryStore).Info("should not be written")

	if entries, err := os.ReadDir(filepath.Join(base, "logs")); err == nil && len(entries) > 0 {
		t.Error("expected no log files in production mode")
	}
}

func TestCategoryDisable(t *testing.T) {
	defer resetState()
	base := t.TempDir()
	writeConfig(t, base, "logging:\n  debug_mode: true\n  level: debug\n  categories:\n    fraud: false\n")

	if err := Initialize(base); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if IsCategoryEnabled(CategoryFraud) {
		t.Error("fraud category should be disabled")
	}
	if !IsCategoryEnabled(CategoryObserver) {
		t.Error("unlisted categories should stay enabled")
	}
}
