// Package config holds the runtime configuration for hivemind.
// Defaults are code-defined; <base>/custom/config.yaml is layered over
// them (nested mappings merge field-wise, scalars and lists replace).
package config

import (
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"hivemind/internal/hiveerr"
)

// Config is the top-level configuration tree.
type Config struct {
	Preferences PreferencesConfig `yaml:"preferences"`
	Query       QueryConfig       `yaml:"query"`
	Lifecycle   LifecycleConfig   `yaml:"lifecycle"`
	Elasticity  ElasticityConfig  `yaml:"elasticity"`
	Fraud       FraudConfig       `yaml:"fraud"`
	Observer    ObserverConfig    `yaml:"observer"`
	Logging     LoggingConfig     `yaml:"logging"`

	// Golden-rule categories loaded even at minimal context depth.
	AlwaysLoadCategories []string `yaml:"always_load_categories"`
	// Domains the operator cares most about; used for CLI summaries.
	MyDomains []string `yaml:"my_domains"`
}

// PreferencesConfig mirrors the user-facing defaults.
type PreferencesConfig struct {
	DefaultDepth   string `yaml:"default_depth"`
	DefaultFormat  string `yaml:"default_format"`
	DefaultTimeout int    `yaml:"default_timeout"` // seconds
}

// QueryConfig bounds retrieval operations.
type QueryConfig struct {
	MaxResults          int  `yaml:"max_results"`
	IncludeChallenged   bool `yaml:"include_challenged"`
	ShowSimilarFailures bool `yaml:"show_similar_failures"`
}

// LifecycleConfig carries the confidence-engine knobs. The EMA alphas
// themselves are locked decisions and live in the lifecycle package.
type LifecycleConfig struct {
	MaxUpdatesPerDay        int     `yaml:"max_updates_per_day"`
	CooldownMinutes         int     `yaml:"cooldown_minutes"`
	MinApplications         int     `yaml:"min_applications"`
	ContradictionRateLimit  float64 `yaml:"contradiction_rate_limit"`
	DecayHalfLifeDays       int     `yaml:"decay_half_life_days"`
	DecayFloor              float64 `yaml:"decay_floor"`
	ArchiveAfterDormantDays int     `yaml:"archive_after_dormant_days"`
	RevivalTimePeriodDays   int     `yaml:"revival_time_period_days"`
}

// ElasticityConfig governs per-domain heuristic counts.
type ElasticityConfig struct {
	SoftLimit            int     `yaml:"soft_limit"`
	HardLimit            int     `yaml:"hard_limit"`
	GracePeriodDays      int     `yaml:"grace_period_days"`
	ExpansionConfidence  float64 `yaml:"expansion_confidence"`
	ExpansionValidations int     `yaml:"expansion_validations"`
	ExpansionNovelty     float64 `yaml:"expansion_novelty"`
	ExpansionHealth      float64 `yaml:"expansion_health"`
	MergeSimilarity      float64 `yaml:"merge_similarity"`
	AutoMergeSimilarity  float64 `yaml:"auto_merge_similarity"`
}

// FraudConfig carries detector and classification thresholds. Tuned
// values are only ever applied through the threshold tuner after human
// approval; this block is the bootstrap state.
type FraudConfig struct {
	MinApplications      int     `yaml:"min_applications"`
	ZScoreThreshold      float64 `yaml:"z_score_threshold"`
	DetectorThreshold    float64 `yaml:"detector_threshold"`
	PriorFraud           float64 `yaml:"prior_fraud"`
	SuspiciousAt         float64 `yaml:"suspicious_at"`
	FraudLikelyAt        float64 `yaml:"fraud_likely_at"`
	FraudConfirmedAt     float64 `yaml:"fraud_confirmed_at"`
	ContextRetentionDays int     `yaml:"context_retention_days"`
	DriftAlertPercent    float64 `yaml:"drift_alert_percent"`
}

// ObserverConfig carries meta-observer statistics knobs.
type ObserverConfig struct {
	MinObservations    int     `yaml:"min_observations"`
	BootstrapThreshold int     `yaml:"bootstrap_threshold"`
	AnomalyZThreshold  float64 `yaml:"anomaly_z_threshold"`
}

// LoggingConfig mirrors the category logger switches.
type LoggingConfig struct {
	DebugMode  bool            `yaml:"debug_mode"`
	Level      string          `yaml:"level"`
	Categories map[string]bool `yaml:"categories"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Preferences: PreferencesConfig{
			DefaultDepth:   "standard",
			DefaultFormat:  "text",
			DefaultTimeout: 30,
		},
		Query: QueryConfig{
			MaxResults:          10,
			IncludeChallenged:   true,
			ShowSimilarFailures: true,
		},
		Lifecycle: LifecycleConfig{
			MaxUpdatesPerDay:        5,
			CooldownMinutes:         60,
			MinApplications:         10,
			ContradictionRateLimit:  0.30,
			DecayHalfLifeDays:       14,
			DecayFloor:              0.20,
			ArchiveAfterDormantDays: 90,
			RevivalTimePeriodDays:   90,
		},
		Elasticity: ElasticityConfig{
			SoftLimit:            5,
			HardLimit:            10,
			GracePeriodDays:      14,
			ExpansionConfidence:  0.70,
			ExpansionValidations: 3,
			ExpansionNovelty:     0.60,
			ExpansionHealth:      0.50,
			MergeSimilarity:      0.40,
			AutoMergeSimilarity:  0.60,
		},
		Fraud: FraudConfig{
			MinApplications:      10,
			ZScoreThreshold:      2.5,
			DetectorThreshold:    0.5,
			PriorFraud:           0.05,
			SuspiciousAt:         0.20,
			FraudLikelyAt:        0.50,
			FraudConfirmedAt:     0.80,
			ContextRetentionDays: 7,
			DriftAlertPercent:    20,
		},
		Observer: ObserverConfig{
			MinObservations:    10,
			BootstrapThreshold: 30,
			AnomalyZThreshold:  3.0,
		},
		Logging: LoggingConfig{
			DebugMode: false,
			Level:     "info",
		},
		AlwaysLoadCategories: []string{"core"},
	}
}

// Load returns the defaults with <base>/custom/config.yaml layered over
// them. A missing file is not an error; a malformed one is QS004.
func Load(basePath string) (*Config, error) {
	cfg := Default()
	custom := filepath.Join(basePath, "custom", "config.yaml")
	data, err := os.ReadFile(custom)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, hiveerr.Configf("cannot read %s: %v", custom, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, hiveerr.Configf("malformed %s: %v", custom, err)
	}
	return cfg, nil
}
