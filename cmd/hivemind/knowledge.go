package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"hivemind/internal/contextbuild"
	"hivemind/internal/fraud"
	"hivemind/internal/hiveerr"
	"hivemind/internal/lifecycle"
	"hivemind/internal/observer"
	"hivemind/internal/store"
	"hivemind/internal/types"
)

func parseID(arg, what string) (int64, error) {
	id, err := strconv.ParseInt(arg, 10, 64)
	if err != nil || id <= 0 {
		return 0, hiveerr.Validationf("invalid %s: %q", what, arg)
	}
	return id, nil
}

var summaryCmd = &cobra.Command{
	Use:   "summary",
	Short: "Show the coordination blackboard summary",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.close()

		board, err := a.board()
		if err != nil {
			return err
		}
		text, err := board.Summary()
		if err != nil {
			return err
		}
		fmt.Println(text)
		return nil
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show knowledge store counts",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.close()

		tables := []struct{ label, table string }{
			{"Heuristics", "heuristics"},
			{"Learnings", "learnings"},
			{"Decisions", "decisions"},
			{"Invariants", "invariants"},
			{"Assumptions", "assumptions"},
			{"Spike reports", "spike_reports"},
			{"Workflow runs", "workflow_runs"},
			{"Open alerts", "alerts"},
		}
		fmt.Println("KNOWLEDGE STORE")
		for _, t := range tables {
			var n int
			q := fmt.Sprintf("SELECT COUNT(*) FROM %s", t.table)
			if t.table == "alerts" {
				q += " WHERE status IN ('new', 'active')"
			}
			if err := a.store.DB().QueryRow(q).Scan(&n); err != nil {
				return hiveerr.Database("stats query failed", err)
			}
			fmt.Printf("  %-14s %d\n", t.label, n)
		}

		rows, err := a.store.DB().Query(`
			SELECT domain, COUNT(*) FROM heuristics
			WHERE status = 'active' GROUP BY domain ORDER BY COUNT(*) DESC`)
		if err != nil {
			return hiveerr.Database("stats query failed", err)
		}
		defer rows.Close()
		fmt.Println("ACTIVE HEURISTICS BY DOMAIN")
		for rows.Next() {
			var domain string
			var n int
			if err := rows.Scan(&domain, &n); err != nil {
				continue
			}
			fmt.Printf("  %-14s %d\n", domain, n)
		}
		return rows.Err()
	},
}

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Snapshot system health metrics and run observer alert checks",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.close()

		// Record the current confidence snapshot so the observer's
		// history keeps accumulating between checks.
		active, err := a.store.QueryHeuristics(store.HeuristicQuery{
			Status: types.HeuristicActive, Limit: 1000,
		})
		if err != nil {
			return err
		}
		if len(active) > 0 {
			sum := 0.0
			for _, h := range active {
				sum += h.Confidence
			}
			mean := sum / float64(len(active))
			if err := a.store.RecordMetric("system", "avg_confidence", mean, ""); err != nil {
				return err
			}
			fmt.Printf("avg_confidence: %.3f over %d active heuristics\n", mean, len(active))
		}

		obs := observer.New(a.store, a.cfg)
		results, err := obs.CheckAlerts()
		if err != nil {
			return err
		}
		if len(results) == 0 {
			fmt.Println("No alert checks fired (healthy).")
		}
		for _, r := range results {
			if r.Type == "bootstrap" {
				fmt.Println("Observer still bootstrapping; checks suppressed until enough history accumulates.")
				continue
			}
			state := "already open"
			if r.Created {
				state = "NEW"
			}
			fmt.Printf("alert #%d [%s] %s\n", r.AlertID, r.Type, state)
		}

		open, err := a.store.OpenAlerts()
		if err != nil {
			return err
		}
		fmt.Printf("Open alerts: %d\n", len(open))
		for _, al := range open {
			fmt.Printf("  #%d %s/%s (%s): %s\n", al.ID, al.AlertType, al.MetricName, al.Severity, al.Message)
		}
		return nil
	},
}

var maintainCmd = &cobra.Command{
	Use:   "maintain",
	Short: "Run the lifecycle maintenance sweep",
	Long: `Applies confidence decay to unused heuristics, moves long-unused
ones to dormancy with revival triggers, archives stale dormant rules,
refreshes fraud baselines and expires old session contexts.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.close()

		fr := fraud.New(a.store, a.cfg, a.layout.CEOInbox)
		eng := lifecycle.New(a.store, a.cfg, fr)

		report, err := eng.RunMaintenance()
		if err != nil {
			return err
		}
		fmt.Printf("Maintenance: %d decayed, %d dormant, %d demoted, %d archived\n",
			report.Decayed, report.Dormant, report.Demoted, report.Archived)

		updated, skipped, err := fr.RefreshAllBaselines()
		if err != nil {
			return err
		}
		fmt.Printf("Baselines: %d updated, %d skipped\n", updated, skipped)

		purged, err := fr.CleanupOldContexts()
		if err != nil {
			return err
		}
		fmt.Printf("Session contexts purged: %d\n", purged)
		return nil
	},
}

var outcomeCmd = &cobra.Command{
	Use:   "outcome <heuristic-id> <SUCCESS|FAILURE|CONTRADICTION>",
	Short: "Record an application outcome for a heuristic",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0], "heuristic id")
		if err != nil {
			return err
		}
		update := types.UpdateType(strings.ToUpper(args[1]))
		switch update {
		case types.UpdateSuccess, types.UpdateFailure, types.UpdateContradiction:
		default:
			return hiveerr.Validationf("outcome must be SUCCESS, FAILURE or CONTRADICTION, got %q", args[1])
		}
		reason, _ := cmd.Flags().GetString("reason")
		sessionCtx, _ := cmd.Flags().GetString("context")
		sessionID, _ := cmd.Flags().GetString("session")
		agentID, _ := cmd.Flags().GetString("agent")
		force, _ := cmd.Flags().GetBool("force")

		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.close()

		fr := fraud.New(a.store, a.cfg, a.layout.CEOInbox)
		eng := lifecycle.New(a.store, a.cfg, fr)
		res, err := eng.ApplyOutcome(id, update, lifecycle.Outcome{
			Reason:    reason,
			Context:   sessionCtx,
			SessionID: sessionID,
			AgentID:   agentID,
			Force:     force,
		})
		if err != nil {
			return err
		}
		if res.RateLimited {
			fmt.Printf("Rate limited: confidence stays at %.3f\n", res.OldConfidence)
			return nil
		}
		fmt.Printf("Confidence %.3f -> %.3f (alpha %.2f)\n", res.OldConfidence, res.NewConfidence, res.Alpha)
		if res.Deprecated {
			fmt.Println("Heuristic deprecated (confidence floor reached).")
		}
		return nil
	},
}

var admitCmd = &cobra.Command{
	Use:   "admit <domain> <rule>",
	Short: "Admit a new heuristic, subject to domain elasticity",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		explanation, _ := cmd.Flags().GetString("explain")

		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.close()

		fr := fraud.New(a.store, a.cfg, a.layout.CEOInbox)
		eng := lifecycle.New(a.store, a.cfg, fr)
		h, adm, err := eng.AdmitHeuristic(args[0], strings.Join(args[1:], " "), explanation)
		if err != nil {
			return err
		}
		if !adm.Allowed {
			fmt.Printf("Rejected: %s\n", adm.Reason)
			return nil
		}
		fmt.Printf("Admitted heuristic #%d in %s (%s)\n", h.ID, h.Domain, adm.Reason)
		if adm.EvictedID != 0 {
			fmt.Printf("Evicted heuristic #%d to make room\n", adm.EvictedID)
		}
		return nil
	},
}

var reviveCmd = &cobra.Command{
	Use:   "revive <text>",
	Short: "Scan text against dormant-heuristic revival triggers",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.close()

		fr := fraud.New(a.store, a.cfg, a.layout.CEOInbox)
		eng := lifecycle.New(a.store, a.cfg, fr)
		revived, err := eng.ScanForRevival(strings.Join(args, " "))
		if err != nil {
			return err
		}
		if len(revived) == 0 {
			fmt.Println("No dormant heuristics matched.")
			return nil
		}
		for _, id := range revived {
			fmt.Printf("Revived heuristic #%d\n", id)
		}
		return nil
	},
}

var contextCmd = &cobra.Command{
	Use:   "context <task>",
	Short: "Build a layered context block for a task",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		domain, _ := cmd.Flags().GetString("domain")
		tags, _ := cmd.Flags().GetStringSlice("tags")
		maxTokens, _ := cmd.Flags().GetInt("max-tokens")
		depth, _ := cmd.Flags().GetString("depth")
		location, _ := cmd.Flags().GetString("location")

		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.close()

		board, err := a.board()
		if err != nil {
			return err
		}
		builder := contextbuild.New(a.store, a.cfg, a.layout, board)
		text, err := builder.Build(contextbuild.Request{
			Task:      strings.Join(args, " "),
			Domain:    domain,
			Tags:      tags,
			MaxTokens: maxTokens,
			Depth:     depth,
			Location:  location,
		})
		if err != nil {
			return err
		}
		fmt.Println(text)
		return nil
	},
}

var fraudCmd = &cobra.Command{
	Use:   "fraud",
	Short: "Fraud detection: reports, outcomes, baselines, threshold tuning",
}

var fraudCheckCmd = &cobra.Command{
	Use:   "check <heuristic-id>",
	Short: "Run all detectors against a heuristic and file a report",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0], "heuristic id")
		if err != nil {
			return err
		}
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.close()

		fr := fraud.New(a.store, a.cfg, a.layout.CEOInbox)
		report, err := fr.CreateReport(id)
		if err != nil {
			return err
		}
		fmt.Printf("Report #%d for heuristic #%d\n", report.ID, report.HeuristicID)
		fmt.Printf("Band: %s (posterior %.3f, likelihood ratio %.2f)\n",
			report.Band, report.Probability, report.LikelihoodRatio)
		for _, sig := range report.Signals {
			fmt.Printf("  %-22s score %.2f [%s] %s\n", sig.Detector, sig.Score, sig.Severity, sig.Reason)
		}
		return nil
	},
}

var fraudOutcomeCmd = &cobra.Command{
	Use:   "outcome <report-id> <true_positive|false_positive>",
	Short: "Record the analyst verdict for a fraud report",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0], "report id")
		if err != nil {
			return err
		}
		notes, _ := cmd.Flags().GetString("notes")
		by, _ := cmd.Flags().GetString("by")

		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.close()

		fr := fraud.New(a.store, a.cfg, a.layout.CEOInbox)
		if err := fr.RecordOutcome(id, args[1], notes, by); err != nil {
			return err
		}
		fmt.Printf("Outcome %s recorded for report #%d\n", args[1], id)
		return nil
	},
}

var fraudThresholdsCmd = &cobra.Command{
	Use:   "thresholds",
	Short: "Recommend classification thresholds from outcome history",
	RunE: func(cmd *cobra.Command, args []string) error {
		targetFPR, _ := cmd.Flags().GetFloat64("target-fpr")

		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.close()

		fr := fraud.New(a.store, a.cfg, a.layout.CEOInbox)
		recs, err := fr.RecommendThresholds(targetFPR)
		if err != nil {
			return err
		}
		if len(recs) == 0 {
			fmt.Println("No recommendations (insufficient outcome history or thresholds already fit).")
			return nil
		}
		for _, r := range recs {
			fmt.Printf("#%d %s: %.3f -> %.3f — %s\n", r.ID, r.Target, r.Current, r.Recommended, r.Rationale)
		}
		fmt.Println("Apply with: hivemind fraud apply <id> --by <name>")
		return nil
	},
}

var fraudPendingCmd = &cobra.Command{
	Use:   "pending",
	Short: "List threshold recommendations awaiting review",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.close()

		fr := fraud.New(a.store, a.cfg, a.layout.CEOInbox)
		recs, err := fr.PendingRecommendations()
		if err != nil {
			return err
		}
		if len(recs) == 0 {
			fmt.Println("No pending recommendations.")
			return nil
		}
		for _, r := range recs {
			fmt.Printf("#%d %s: %.3f -> %.3f (%s) — %s\n",
				r.ID, r.Target, r.Current, r.Recommended, r.CreatedAt, r.Rationale)
		}
		return nil
	},
}

var fraudApplyCmd = &cobra.Command{
	Use:   "apply <recommendation-id>",
	Short: "Apply a reviewed threshold recommendation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0], "recommendation id")
		if err != nil {
			return err
		}
		by, _ := cmd.Flags().GetString("by")
		if by == "" {
			return hiveerr.Validationf("--by is required: threshold changes need a human approver")
		}

		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.close()

		fr := fraud.New(a.store, a.cfg, a.layout.CEOInbox)
		if err := fr.ApplyRecommendation(id, by); err != nil {
			return err
		}
		fmt.Printf("Recommendation #%d applied by %s\n", id, by)
		return nil
	},
}

var fraudRejectCmd = &cobra.Command{
	Use:   "reject <recommendation-id>",
	Short: "Reject a threshold recommendation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0], "recommendation id")
		if err != nil {
			return err
		}
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.close()

		fr := fraud.New(a.store, a.cfg, a.layout.CEOInbox)
		if err := fr.RejectRecommendation(id); err != nil {
			return err
		}
		fmt.Printf("Recommendation #%d rejected\n", id)
		return nil
	},
}

var fraudRollbackCmd = &cobra.Command{
	Use:   "rollback <history-id>",
	Short: "Roll back an applied threshold change to its previous value",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0], "history id")
		if err != nil {
			return err
		}
		by, _ := cmd.Flags().GetString("by")
		if by == "" {
			return hiveerr.Validationf("--by is required: threshold changes need a human approver")
		}

		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.close()

		fr := fraud.New(a.store, a.cfg, a.layout.CEOInbox)
		if err := fr.RollbackThreshold(id, by); err != nil {
			return err
		}
		fmt.Printf("Threshold change #%d rolled back by %s\n", id, by)
		return nil
	},
}

var alertOutcomeCmd = &cobra.Command{
	Use:   "alert-outcome <alert-id> <true_positive|false_positive>",
	Short: "Record whether an observer alert was a true or false positive",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0], "alert id")
		if err != nil {
			return err
		}
		var isTP bool
		switch args[1] {
		case "true_positive":
			isTP = true
		case "false_positive":
			isTP = false
		default:
			return hiveerr.Validationf("verdict must be true_positive or false_positive, got %q", args[1])
		}

		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.close()

		obs := observer.New(a.store, a.cfg)
		if err := obs.RecordAlertOutcome(id, isTP); err != nil {
			return err
		}
		fmt.Printf("Verdict %s recorded for alert #%d\n", args[1], id)
		return nil
	},
}

var fraudBaselineCmd = &cobra.Command{
	Use:   "baseline <domain>",
	Short: "Show or refresh a domain's success-rate baseline",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		refresh, _ := cmd.Flags().GetBool("refresh")

		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.close()

		fr := fraud.New(a.store, a.cfg, a.layout.CEOInbox)
		if refresh {
			res, err := fr.UpdateBaseline(args[0])
			if err != nil {
				return err
			}
			fmt.Printf("Baseline %s: mean %.3f std %.3f over %d heuristics\n",
				res.Domain, res.Mean, res.Std, res.SampleSize)
			if res.Drifted {
				fmt.Printf("DRIFT: %.1f%% movement (%s)\n", res.DriftPercent, res.Severity)
			}
			return nil
		}
		base, err := fr.Baseline(args[0])
		if err != nil {
			return err
		}
		if base == nil {
			fmt.Printf("No baseline for %s yet; run with --refresh\n", args[0])
			return nil
		}
		fmt.Printf("Baseline %s: mean %.3f std %.3f over %d heuristics (updated %s)\n",
			base.Domain, base.MeanSuccessRate, base.StdSuccessRate, base.SampleSize, base.UpdatedAt)
		return nil
	},
}

var fraudPrecisionCmd = &cobra.Command{
	Use:   "precision",
	Short: "Show per-detector precision from analyst verdicts",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.close()

		fr := fraud.New(a.store, a.cfg, a.layout.CEOInbox)
		accs, err := fr.DetectorPrecision()
		if err != nil {
			return err
		}
		if len(accs) == 0 {
			fmt.Println("No verdicts recorded yet.")
			return nil
		}
		for _, acc := range accs {
			fmt.Printf("%-24s precision %.2f (%d TP / %d FP)\n",
				acc.Detector, acc.Precision, acc.TruePositives, acc.FalsePositives)
		}
		weak, err := fr.UnderperformingDetectors()
		if err != nil {
			return err
		}
		for _, acc := range weak {
			fmt.Printf("UNDERPERFORMING: %s (precision %.2f)\n", acc.Detector, acc.Precision)
		}
		return nil
	},
}

func init() {
	outcomeCmd.Flags().String("reason", "", "why the outcome occurred")
	outcomeCmd.Flags().String("context", "", "session context identifier for repetition tracking")
	outcomeCmd.Flags().String("session", "", "session attribution for the audit trail")
	outcomeCmd.Flags().String("agent", "", "agent attribution for the audit trail")
	outcomeCmd.Flags().Bool("force", false, "bypass rate limiting and cooldown (still audited)")

	admitCmd.Flags().String("explain", "", "explanation for the rule")

	contextCmd.Flags().String("domain", "", "knowledge domain")
	contextCmd.Flags().StringSlice("tags", nil, "comma-separated tags")
	contextCmd.Flags().Int("max-tokens", 0, "token budget (default 5000)")
	contextCmd.Flags().String("depth", "", "minimal|standard|deep")
	contextCmd.Flags().String("location", "", "working location noted in the header")

	fraudOutcomeCmd.Flags().String("notes", "", "analyst notes")
	fraudOutcomeCmd.Flags().String("by", "analyst", "who recorded the verdict")
	fraudThresholdsCmd.Flags().Float64("target-fpr", 0.05, "target false positive rate")
	fraudApplyCmd.Flags().String("by", "", "approver name (required)")
	fraudRollbackCmd.Flags().String("by", "", "approver name (required)")
	fraudBaselineCmd.Flags().Bool("refresh", false, "recompute before showing")

	fraudCmd.AddCommand(fraudCheckCmd, fraudOutcomeCmd, fraudThresholdsCmd,
		fraudPendingCmd, fraudApplyCmd, fraudRejectCmd, fraudRollbackCmd,
		fraudBaselineCmd, fraudPrecisionCmd)

	rootCmd.AddCommand(summaryCmd, statsCmd, checkCmd, maintainCmd,
		outcomeCmd, admitCmd, reviveCmd, contextCmd, fraudCmd, alertOutcomeCmd)
}
