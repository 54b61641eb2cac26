package store

// initSchema creates every table the substrate uses. Subsystem tables
// (conductor, fraud, observer, replay) are created here too so a fresh
// database is complete after one open.
func (s *Store) initSchema() error {
	schema := `
	-- Heuristics: domain-scoped rules with confidence and lifecycle
	CREATE TABLE IF NOT EXISTS heuristics (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		domain TEXT NOT NULL,
		rule TEXT NOT NULL,
		explanation TEXT,
		confidence REAL NOT NULL DEFAULT 0.5,
		confidence_ema REAL NOT NULL DEFAULT 0.5,
		ema_alpha REAL NOT NULL DEFAULT 0.30,
		ema_warmup_remaining INTEGER NOT NULL DEFAULT 5,
		times_validated INTEGER NOT NULL DEFAULT 0,
		times_violated INTEGER NOT NULL DEFAULT 0,
		times_contradicted INTEGER NOT NULL DEFAULT 0,
		times_revived INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL DEFAULT 'active',
		is_golden INTEGER NOT NULL DEFAULT 0,
		project_path TEXT,
		last_used_at TEXT,
		dormant_since TEXT,
		update_count_today INTEGER NOT NULL DEFAULT 0,
		update_count_reset TEXT,
		last_update TEXT,
		fraud_flags INTEGER NOT NULL DEFAULT 0,
		last_fraud_check TEXT,
		created_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_heuristics_domain ON heuristics(domain);
	CREATE INDEX IF NOT EXISTS idx_heuristics_status ON heuristics(status);
	CREATE INDEX IF NOT EXISTS idx_heuristics_confidence ON heuristics(confidence);

	-- Every confidence change, for auditing and anomaly detection
	CREATE TABLE IF NOT EXISTS confidence_updates (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		heuristic_id INTEGER NOT NULL,
		update_type TEXT NOT NULL,
		old_confidence REAL NOT NULL,
		new_confidence REAL NOT NULL,
		raw_confidence REAL,
		alpha_used REAL,
		reason TEXT,
		session_id TEXT,
		agent_id TEXT,
		created_at TEXT NOT NULL,
		FOREIGN KEY (heuristic_id) REFERENCES heuristics(id)
	);
	CREATE INDEX IF NOT EXISTS idx_updates_heuristic ON confidence_updates(heuristic_id);
	CREATE INDEX IF NOT EXISTS idx_updates_created ON confidence_updates(created_at);

	-- Merge audit trail for near-duplicate heuristics
	CREATE TABLE IF NOT EXISTS heuristic_merges (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		kept_id INTEGER NOT NULL,
		merged_id INTEGER NOT NULL,
		similarity REAL NOT NULL,
		merged_rule TEXT,
		created_at TEXT NOT NULL
	);

	-- Triggers for reviving dormant heuristics: keyword substrings and
	-- elapsed time periods
	CREATE TABLE IF NOT EXISTS revival_triggers (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		heuristic_id INTEGER NOT NULL,
		trigger_type TEXT NOT NULL DEFAULT 'keyword',
		keyword TEXT,
		period_days INTEGER,
		created_at TEXT NOT NULL,
		FOREIGN KEY (heuristic_id) REFERENCES heuristics(id)
	);
	CREATE INDEX IF NOT EXISTS idx_revival_keyword ON revival_triggers(keyword);

	-- Per-domain elasticity overrides and capacity state
	CREATE TABLE IF NOT EXISTS domain_limits (
		domain TEXT PRIMARY KEY,
		soft_limit INTEGER NOT NULL,
		hard_limit INTEGER NOT NULL,
		ceo_override_limit INTEGER,
		state TEXT NOT NULL DEFAULT 'normal',
		overflow_entered_at TEXT,
		grace_period_days INTEGER,
		updated_at TEXT NOT NULL
	);

	-- Learnings: lessons captured from sessions
	CREATE TABLE IF NOT EXISTS learnings (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		type TEXT NOT NULL,
		filepath TEXT,
		title TEXT NOT NULL,
		summary TEXT,
		tags TEXT,
		domain TEXT,
		severity INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_learnings_type ON learnings(type);
	CREATE INDEX IF NOT EXISTS idx_learnings_domain ON learnings(domain);

	-- Architecture decision records
	CREATE TABLE IF NOT EXISTS decisions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		title TEXT NOT NULL,
		context TEXT,
		options TEXT,
		decision TEXT NOT NULL,
		rationale TEXT,
		domain TEXT,
		status TEXT NOT NULL DEFAULT 'accepted',
		superseded_by INTEGER,
		created_at TEXT NOT NULL
	);

	-- Invariants: statements expected to always hold
	CREATE TABLE IF NOT EXISTS invariants (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		statement TEXT NOT NULL,
		rationale TEXT,
		scope TEXT NOT NULL DEFAULT 'codebase',
		severity TEXT NOT NULL DEFAULT 'error',
		validation_type TEXT,
		domain TEXT,
		status TEXT NOT NULL DEFAULT 'active',
		violation_count INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL
	);

	-- Assumptions: beliefs with a verification history
	CREATE TABLE IF NOT EXISTS assumptions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		assumption TEXT NOT NULL,
		context TEXT,
		source TEXT,
		confidence REAL NOT NULL DEFAULT 0.5,
		status TEXT NOT NULL DEFAULT 'active',
		verified_count INTEGER NOT NULL DEFAULT 0,
		challenged_count INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL
	);

	-- Spike reports: time-boxed research artifacts
	CREATE TABLE IF NOT EXISTS spike_reports (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		title TEXT NOT NULL,
		topic TEXT,
		findings TEXT,
		gotchas TEXT,
		domain TEXT,
		time_invested_minutes INTEGER NOT NULL DEFAULT 0,
		usefulness_score REAL NOT NULL DEFAULT 0,
		access_count INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL
	);

	-- Fraud detection
	CREATE TABLE IF NOT EXISTS fraud_reports (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		heuristic_id INTEGER NOT NULL,
		band TEXT NOT NULL,
		fused_probability REAL NOT NULL,
		signals_json TEXT,
		created_at TEXT NOT NULL,
		FOREIGN KEY (heuristic_id) REFERENCES heuristics(id)
	);
	CREATE INDEX IF NOT EXISTS idx_fraud_heuristic ON fraud_reports(heuristic_id);

	CREATE TABLE IF NOT EXISTS anomaly_signals (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		report_id INTEGER NOT NULL,
		detector TEXT NOT NULL,
		score REAL NOT NULL,
		flagged INTEGER NOT NULL DEFAULT 0,
		details_json TEXT,
		created_at TEXT NOT NULL,
		FOREIGN KEY (report_id) REFERENCES fraud_reports(id)
	);

	CREATE TABLE IF NOT EXISTS fraud_responses (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		report_id INTEGER NOT NULL,
		action TEXT NOT NULL,
		alert_path TEXT,
		created_at TEXT NOT NULL,
		FOREIGN KEY (report_id) REFERENCES fraud_reports(id)
	);

	-- Analyst verdicts on fraud reports, for precision tracking
	CREATE TABLE IF NOT EXISTS fraud_outcomes (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		report_id INTEGER NOT NULL,
		outcome TEXT NOT NULL,
		notes TEXT,
		recorded_by TEXT,
		created_at TEXT NOT NULL,
		FOREIGN KEY (report_id) REFERENCES fraud_reports(id)
	);

	-- Hashed application contexts for repetition analysis
	CREATE TABLE IF NOT EXISTS session_contexts (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		heuristic_id INTEGER NOT NULL,
		context_hash TEXT NOT NULL,
		created_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_contexts_heuristic ON session_contexts(heuristic_id, context_hash);

	-- Per-domain success-rate baselines and their drift history
	CREATE TABLE IF NOT EXISTS domain_baselines (
		domain TEXT PRIMARY KEY,
		mean_success_rate REAL NOT NULL,
		std_success_rate REAL NOT NULL,
		sample_size INTEGER NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS domain_baseline_history (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		domain TEXT NOT NULL,
		mean_success_rate REAL NOT NULL,
		std_success_rate REAL NOT NULL,
		sample_size INTEGER NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS baseline_drift_alerts (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		domain TEXT NOT NULL,
		severity TEXT NOT NULL,
		old_mean REAL NOT NULL,
		new_mean REAL NOT NULL,
		sample_size INTEGER NOT NULL,
		created_at TEXT NOT NULL
	);

	-- Threshold tuner: recommendations only, never auto-applied
	CREATE TABLE IF NOT EXISTS detector_thresholds (
		detector TEXT PRIMARY KEY,
		threshold REAL NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS classification_thresholds (
		band TEXT PRIMARY KEY,
		threshold REAL NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS threshold_recommendations (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		target TEXT NOT NULL,
		current_value REAL NOT NULL,
		recommended_value REAL NOT NULL,
		rationale TEXT,
		status TEXT NOT NULL DEFAULT 'pending',
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS threshold_history (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		target TEXT NOT NULL,
		old_value REAL NOT NULL,
		new_value REAL NOT NULL,
		applied_by TEXT,
		created_at TEXT NOT NULL
	);

	-- System health observations and alerts
	CREATE TABLE IF NOT EXISTS metric_observations (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		metric_type TEXT NOT NULL,
		metric_name TEXT NOT NULL,
		value REAL NOT NULL,
		context TEXT,
		created_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_metrics_name ON metric_observations(metric_name, created_at);

	CREATE TABLE IF NOT EXISTS alerts (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		alert_type TEXT NOT NULL,
		metric_name TEXT NOT NULL,
		severity TEXT NOT NULL,
		message TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'new',
		created_at TEXT NOT NULL,
		last_seen TEXT,
		acknowledged_at TEXT,
		resolved_at TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_alerts_status ON alerts(status);

	-- Human verdicts on raised alerts, tallied per metric
	CREATE TABLE IF NOT EXISTS alert_outcome_counts (
		metric_name TEXT PRIMARY KEY,
		true_positives INTEGER NOT NULL DEFAULT 0,
		false_positives INTEGER NOT NULL DEFAULT 0,
		updated_at TEXT NOT NULL
	);

	-- Conductor: workflow graphs and their runs
	CREATE TABLE IF NOT EXISTS workflows (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL UNIQUE,
		description TEXT,
		nodes_json TEXT NOT NULL DEFAULT '[]',
		config_json TEXT NOT NULL DEFAULT '{}',
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS workflow_edges (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		workflow_id INTEGER NOT NULL,
		from_node TEXT NOT NULL,
		to_node TEXT NOT NULL,
		condition TEXT NOT NULL DEFAULT '',
		priority INTEGER NOT NULL DEFAULT 100,
		FOREIGN KEY (workflow_id) REFERENCES workflows(id)
	);
	CREATE INDEX IF NOT EXISTS idx_edges_workflow ON workflow_edges(workflow_id);

	CREATE TABLE IF NOT EXISTS workflow_runs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		workflow_id INTEGER,
		workflow_name TEXT,
		status TEXT NOT NULL DEFAULT 'running',
		phase TEXT NOT NULL DEFAULT 'init',
		parent_run_id INTEGER,
		input_json TEXT NOT NULL DEFAULT '{}',
		output_json TEXT NOT NULL DEFAULT '{}',
		context_json TEXT NOT NULL DEFAULT '{}',
		total_nodes INTEGER NOT NULL DEFAULT 0,
		completed_nodes INTEGER NOT NULL DEFAULT 0,
		failed_nodes INTEGER NOT NULL DEFAULT 0,
		error_message TEXT,
		started_at TEXT NOT NULL,
		completed_at TEXT
	);

	CREATE TABLE IF NOT EXISTS node_executions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id INTEGER NOT NULL,
		node_id TEXT NOT NULL,
		node_name TEXT,
		node_type TEXT,
		agent_id TEXT,
		prompt TEXT,
		prompt_hash TEXT,
		status TEXT NOT NULL DEFAULT 'pending',
		result_text TEXT,
		result_json TEXT NOT NULL DEFAULT '{}',
		findings_json TEXT NOT NULL DEFAULT '[]',
		files_modified TEXT NOT NULL DEFAULT '[]',
		duration_ms INTEGER,
		token_count INTEGER,
		retry_count INTEGER NOT NULL DEFAULT 0,
		error_message TEXT,
		error_type TEXT,
		started_at TEXT,
		completed_at TEXT,
		created_at TEXT NOT NULL,
		FOREIGN KEY (run_id) REFERENCES workflow_runs(id)
	);
	CREATE INDEX IF NOT EXISTS idx_nodeexec_run ON node_executions(run_id);

	CREATE TABLE IF NOT EXISTS conductor_decisions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id INTEGER NOT NULL,
		decision_type TEXT NOT NULL,
		decision_data TEXT NOT NULL DEFAULT '{}',
		reason TEXT,
		created_at TEXT NOT NULL,
		FOREIGN KEY (run_id) REFERENCES workflow_runs(id)
	);
	CREATE INDEX IF NOT EXISTS idx_decisions_run ON conductor_decisions(run_id);

	-- Pheromone trails: decaying markers agents leave at locations
	CREATE TABLE IF NOT EXISTS trails (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id INTEGER,
		location TEXT NOT NULL,
		scent TEXT NOT NULL,
		strength REAL NOT NULL DEFAULT 1.0,
		agent_id TEXT,
		node_id TEXT,
		message TEXT,
		tags TEXT NOT NULL DEFAULT '',
		expires_at TEXT,
		created_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_trails_location ON trails(location);
	CREATE INDEX IF NOT EXISTS idx_trails_run ON trails(run_id);

	-- Query audit for usage analysis
	CREATE TABLE IF NOT EXISTS building_queries (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		query_type TEXT NOT NULL,
		domain TEXT,
		query_text TEXT,
		result_count INTEGER NOT NULL DEFAULT 0,
		duration_ms INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL DEFAULT 'success',
		created_at TEXT NOT NULL
	);
	`

	_, err := s.db.Exec(schema)
	return err
}
