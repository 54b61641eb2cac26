package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"hivemind/internal/advisory"
	"hivemind/internal/conductor"
	"hivemind/internal/hiveerr"
	"hivemind/internal/replay"
	"hivemind/internal/stepflow"
	"hivemind/internal/watcher"
)

// echoExecutor dispatches node prompts to stdout. The substrate records
// every execution either way; actual agent spawning is the caller's
// concern, so the CLI's executor just surfaces what would be sent.
type echoExecutor struct{}

func (echoExecutor) Execute(ctx context.Context, node conductor.Node, runContext map[string]interface{}) (*conductor.NodeResult, error) {
	prompt := node.PromptTemplate
	if len(prompt) > 120 {
		prompt = prompt[:120] + "..."
	}
	fmt.Printf("node %s (%s): %s\n", node.ID, node.Type, prompt)
	return &conductor.NodeResult{Text: "dispatched"}, nil
}

// workflowFile is the on-disk YAML shape accepted by `flow define`.
type workflowFile struct {
	Name        string                 `yaml:"name"`
	Description string                 `yaml:"description"`
	Config      map[string]interface{} `yaml:"config"`
	Nodes       []struct {
		ID     string                 `yaml:"id"`
		Name   string                 `yaml:"name"`
		Type   string                 `yaml:"type"`
		Prompt string                 `yaml:"prompt"`
		Config map[string]interface{} `yaml:"config"`
	} `yaml:"nodes"`
	Edges []struct {
		From      string `yaml:"from"`
		To        string `yaml:"to"`
		Condition string `yaml:"condition"`
		Priority  int    `yaml:"priority"`
	} `yaml:"edges"`
}

var flowCmd = &cobra.Command{
	Use:   "flow",
	Short: "Workflow orchestration: define, run, inspect",
}

var flowDefineCmd = &cobra.Command{
	Use:   "define <workflow.yaml>",
	Short: "Store a workflow graph from a YAML definition",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := os.ReadFile(args[0])
		if err != nil {
			return hiveerr.Validationf("cannot read %s: %v", args[0], err)
		}
		var wf workflowFile
		if err := yaml.Unmarshal(data, &wf); err != nil {
			return hiveerr.Validationf("malformed workflow file: %v", err)
		}

		nodes := make([]conductor.Node, 0, len(wf.Nodes))
		for _, n := range wf.Nodes {
			nodes = append(nodes, conductor.Node{
				ID:             n.ID,
				Name:           n.Name,
				Type:           conductor.NodeType(n.Type),
				PromptTemplate: n.Prompt,
				Config:         n.Config,
			})
		}
		edges := make([]conductor.Edge, 0, len(wf.Edges))
		for _, e := range wf.Edges {
			edges = append(edges, conductor.Edge{
				FromNode:  e.From,
				ToNode:    e.To,
				Condition: e.Condition,
				Priority:  e.Priority,
			})
		}

		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.close()

		c := conductor.New(a.store, nil, nil)
		id, err := c.CreateWorkflow(wf.Name, wf.Description, nodes, edges, wf.Config)
		if err != nil {
			return err
		}
		fmt.Printf("Workflow %q stored as #%d (%d nodes, %d edges)\n", wf.Name, id, len(nodes), len(edges))
		return nil
	},
}

var flowListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored workflows",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.close()

		c := conductor.New(a.store, nil, nil)
		workflows, err := c.ListWorkflows()
		if err != nil {
			return err
		}
		if len(workflows) == 0 {
			fmt.Println("No workflows defined.")
			return nil
		}
		for _, wf := range workflows {
			fmt.Printf("#%d %-20s %d nodes — %s\n", wf.ID, wf.Name, len(wf.Nodes), wf.Description)
		}
		return nil
	},
}

var flowRunCmd = &cobra.Command{
	Use:   "run <workflow-name>",
	Short: "Run a workflow, dispatching node prompts to stdout",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		inputs, _ := cmd.Flags().GetStringSlice("input")
		timeoutSec, _ := cmd.Flags().GetInt("timeout")

		input := map[string]interface{}{}
		for _, kv := range inputs {
			k, v, ok := strings.Cut(kv, "=")
			if !ok {
				return hiveerr.Validationf("--input wants key=value, got %q", kv)
			}
			input[k] = v
		}

		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.close()

		board, err := a.board()
		if err != nil {
			return err
		}

		ctx := context.Background()
		if timeoutSec > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, time.Duration(timeoutSec)*time.Second)
			defer cancel()
		}

		c := conductor.New(a.store, board, echoExecutor{})
		runID, err := c.RunWorkflow(ctx, args[0], input)
		if err != nil {
			return err
		}
		run, err := c.GetRun(runID)
		if err != nil {
			return err
		}
		fmt.Printf("Run #%d %s: %d/%d nodes completed, %d failed\n",
			run.ID, run.Status, run.CompletedNodes, run.TotalNodes, run.FailedNodes)
		return nil
	},
}

var flowStatusCmd = &cobra.Command{
	Use:   "status <run-id>",
	Short: "Show a run and its node executions",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		runID, err := parseID(args[0], "run id")
		if err != nil {
			return err
		}
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.close()

		c := conductor.New(a.store, nil, nil)
		run, err := c.GetRun(runID)
		if err != nil {
			return err
		}
		if run == nil {
			return hiveerr.Validationf("run not found: %d", runID)
		}
		fmt.Printf("Run #%d %s [%s] phase=%s started=%s\n",
			run.ID, run.WorkflowName, run.Status, run.Phase, run.StartedAt)
		execs, err := c.NodeExecutions(runID)
		if err != nil {
			return err
		}
		for _, e := range execs {
			line := fmt.Sprintf("  %-16s %-10s %dms", e.NodeID, e.Status, e.DurationMS)
			if e.ErrorMessage != "" {
				line += " — " + e.ErrorMessage
			}
			fmt.Println(line)
		}
		return nil
	},
}

var flowHotspotsCmd = &cobra.Command{
	Use:   "hotspots <run-id>",
	Short: "Show trail hot spots for a run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		runID, err := parseID(args[0], "run id")
		if err != nil {
			return err
		}
		limit, _ := cmd.Flags().GetInt("limit")

		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.close()

		c := conductor.New(a.store, nil, nil)
		spots, err := c.HotSpots(runID, limit)
		if err != nil {
			return err
		}
		if len(spots) == 0 {
			fmt.Println("No trails laid for this run.")
			return nil
		}
		for _, s := range spots {
			fmt.Printf("%-40s %d trails, max %.2f (%s) by %s\n",
				s.Location, s.TrailCount, s.MaxStrength, s.Scents, s.Agents)
		}
		return nil
	},
}

var flowDecayCmd = &cobra.Command{
	Use:   "decay",
	Short: "Decay trail strengths and prune dead trails",
	RunE: func(cmd *cobra.Command, args []string) error {
		rate, _ := cmd.Flags().GetFloat64("rate")

		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.close()

		c := conductor.New(a.store, nil, nil)
		if err := c.DecayTrails(rate); err != nil {
			return err
		}
		fmt.Printf("Trails decayed at rate %.2f\n", rate)
		return nil
	},
}

var replayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Replay workflow runs from recorded executions",
}

var replayPlanCmd = &cobra.Command{
	Use:   "plan <run-id>",
	Short: "Preview which nodes a replay would skip and rerun",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		runID, err := parseID(args[0], "run id")
		if err != nil {
			return err
		}
		fromNode, _ := cmd.Flags().GetString("from")

		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.close()

		m := replay.New(a.store)
		plan, err := m.GetReplayPlan(runID, fromNode)
		if err != nil {
			return err
		}
		fmt.Print(replay.FormatPlan(plan))
		return nil
	},
}

var replayCreateCmd = &cobra.Command{
	Use:   "create <run-id>",
	Short: "Create a replay run seeded from the original's context",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		runID, err := parseID(args[0], "run id")
		if err != nil {
			return err
		}
		fromNode, _ := cmd.Flags().GetString("from")
		includeContext, _ := cmd.Flags().GetBool("include-context")

		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.close()

		m := replay.New(a.store)
		newID, err := m.CreateReplayRun(runID, fromNode, includeContext)
		if err != nil {
			return err
		}
		fmt.Printf("Replay run #%d created from run #%d\n", newID, runID)
		return nil
	},
}

var replayRetryCmd = &cobra.Command{
	Use:   "retry <run-id>",
	Short: "Retry the failed nodes of a run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		runID, err := parseID(args[0], "run id")
		if err != nil {
			return err
		}
		dryRun, _ := cmd.Flags().GetBool("dry-run")

		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.close()

		m := replay.New(a.store)
		res, err := m.RetryFailedNodes(runID, dryRun)
		if err != nil {
			return err
		}
		if len(res.Nodes) == 0 {
			fmt.Printf("Run #%d has no failed nodes.\n", runID)
			return nil
		}
		verb := "retrying"
		if res.DryRun {
			verb = "would retry"
		}
		fmt.Printf("Run #%d: %s %d node(s)\n", runID, verb, len(res.Nodes))
		for _, n := range res.Nodes {
			fmt.Printf("  %s (%s): %s\n", n.NodeID, n.NodeName, n.ErrorMessage)
		}
		if !res.DryRun {
			fmt.Printf("New run: #%d\n", res.NewRunID)
		}
		return nil
	},
}

var replayResetCmd = &cobra.Command{
	Use:   "reset <run-id> <node-id>",
	Short: "Reset one node execution back to pending",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		runID, err := parseID(args[0], "run id")
		if err != nil {
			return err
		}
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.close()

		m := replay.New(a.store)
		reset, err := m.ResetNode(runID, args[1])
		if err != nil {
			return err
		}
		if !reset {
			fmt.Printf("Node %s not found in run #%d\n", args[1], runID)
			return nil
		}
		fmt.Printf("Node %s in run #%d reset to pending\n", args[1], runID)
		return nil
	},
}

var replayCloneCmd = &cobra.Command{
	Use:   "clone <run-id>",
	Short: "Clone a run as a fresh pending run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		runID, err := parseID(args[0], "run id")
		if err != nil {
			return err
		}
		inputs, _ := cmd.Flags().GetStringSlice("input")
		overrides := map[string]interface{}{}
		for _, kv := range inputs {
			k, v, ok := strings.Cut(kv, "=")
			if !ok {
				return hiveerr.Validationf("--input wants key=value, got %q", kv)
			}
			overrides[k] = v
		}

		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.close()

		m := replay.New(a.store)
		newID, err := m.CloneRun(runID, overrides)
		if err != nil {
			return err
		}
		fmt.Printf("Run #%d cloned as #%d\n", runID, newID)
		return nil
	},
}

var stepsCmd = &cobra.Command{
	Use:   "steps",
	Short: "Step-file workflows: numbered markdown steps with resumable state",
}

func printStepResult(res *stepflow.Result) {
	fmt.Printf("[%s] %s", res.Status, res.Workflow)
	if res.Step > 0 {
		fmt.Printf(" step %d/%d", res.Step, res.TotalSteps)
	}
	fmt.Println()
	if res.Message != "" {
		fmt.Println(res.Message)
	}
	if res.Instructions != "" {
		fmt.Println("---")
		fmt.Println(strings.TrimSpace(res.Instructions))
	}
	if res.OutputPath != "" {
		fmt.Printf("Output: %s\n", res.OutputPath)
	}
}

var stepsStartCmd = &cobra.Command{
	Use:   "start <workflow-dir>",
	Short: "Start a step-file workflow from step 1",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, err := stepflow.Open(args[0])
		if err != nil {
			return err
		}
		res, err := eng.Start()
		if err != nil {
			return err
		}
		printStepResult(res)
		return nil
	},
}

var stepsResumeCmd = &cobra.Command{
	Use:   "resume <workflow-dir>",
	Short: "Resume a step-file workflow at its next incomplete step",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		fromStep, _ := cmd.Flags().GetInt("from")
		eng, err := stepflow.Open(args[0])
		if err != nil {
			return err
		}
		res, err := eng.Resume(fromStep)
		if err != nil {
			return err
		}
		printStepResult(res)
		return nil
	},
}

var stepsCompleteCmd = &cobra.Command{
	Use:   "complete <workflow-dir> <step>",
	Short: "Mark a step complete and get the next step's instructions",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		step, err := parseID(args[1], "step number")
		if err != nil {
			return err
		}
		output, _ := cmd.Flags().GetString("output")
		outputFile, _ := cmd.Flags().GetString("output-file")
		if outputFile != "" {
			data, err := os.ReadFile(outputFile)
			if err != nil {
				return hiveerr.Validationf("cannot read %s: %v", outputFile, err)
			}
			output = string(data)
		}

		eng, err := stepflow.Open(args[0])
		if err != nil {
			return err
		}
		res, err := eng.CompleteStep(int(step), output)
		if err != nil {
			return err
		}
		printStepResult(res)
		return nil
	},
}

var stepsPauseCmd = &cobra.Command{
	Use:   "pause <workflow-dir>",
	Short: "Pause a step-file workflow",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		reason, _ := cmd.Flags().GetString("reason")
		eng, err := stepflow.Open(args[0])
		if err != nil {
			return err
		}
		res, err := eng.Pause(reason)
		if err != nil {
			return err
		}
		printStepResult(res)
		return nil
	},
}

var stepsStatusCmd = &cobra.Command{
	Use:   "status <workflow-dir>",
	Short: "Show a step-file workflow's progress",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, err := stepflow.Open(args[0])
		if err != nil {
			return err
		}
		sum := eng.StatusSummary()
		fmt.Printf("%s: %s, %d/%d steps", sum.Name, sum.Status, sum.CompletedSteps, sum.TotalSteps)
		if sum.NextStep > 0 {
			fmt.Printf(", next step %d", sum.NextStep)
		}
		fmt.Println()
		return nil
	},
}

var stepsListCmd = &cobra.Command{
	Use:   "list <base-dir>",
	Short: "List step-file workflows under a directory",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		summaries := stepflow.ListWorkflows(args[0])
		if len(summaries) == 0 {
			fmt.Println("No workflows found.")
			return nil
		}
		for _, s := range summaries {
			fmt.Printf("%-24s %s %d/%d\n", s.Name, s.Status, s.CompletedSteps, s.TotalSteps)
		}
		return nil
	},
}

var scanCmd = &cobra.Command{
	Use:   "scan <path>",
	Short: "Advisory-scan a file's added lines for risky patterns",
	Long: `Compares the file against an optional prior version and warns about
risky patterns on the lines the edit added. Warnings are advisory: the
command reports and records metrics, it never blocks anything.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		beforePath, _ := cmd.Flags().GetString("before")

		newContent, err := os.ReadFile(args[0])
		if err != nil {
			return hiveerr.Validationf("cannot read %s: %v", args[0], err)
		}
		var oldContent []byte
		if beforePath != "" {
			oldContent, err = os.ReadFile(beforePath)
			if err != nil {
				return hiveerr.Validationf("cannot read %s: %v", beforePath, err)
			}
		}

		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.close()

		sc := advisory.New(a.store)
		report := sc.AnalyzeEdit(args[0], string(oldContent), string(newContent))
		fmt.Println(report.Recommendation)
		return nil
	},
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Monitor swarm coordination health",
}

var watchRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Watch coordination state until stopped",
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
		m := watcher.New(a.layout, board)

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		fmt.Println("Watching coordination state (Ctrl-C or `hivemind watch stop` to end)...")
		return m.Watch(ctx, func(_ *watcher.State, status watcher.Status) {
			fmt.Printf("pass: %s\n", status)
		})
	},
}

var watchPassCmd = &cobra.Command{
	Use:   "pass",
	Short: "Run a single monitoring pass",
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
		m := watcher.New(a.layout, board)
		_, status, err := m.Pass()
		if err != nil {
			return err
		}
		fmt.Printf("pass: %s\n", status)
		return nil
	},
}

var watchStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show watcher status and recent log entries",
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
		fmt.Print(watcher.New(a.layout, board).StatusReport())
		return nil
	},
}

var watchStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Request the watcher to stop",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.close()

		m := watcher.New(a.layout, nil)
		if err := m.Stop(); err != nil {
			return err
		}
		fmt.Println("Stop file written.")
		return nil
	},
}

var watchClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Clear the watcher stop file",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.close()

		m := watcher.New(a.layout, nil)
		if err := m.ClearStop(); err != nil {
			return err
		}
		fmt.Println("Stop file cleared.")
		return nil
	},
}

func init() {
	flowRunCmd.Flags().StringSlice("input", nil, "run input as key=value (repeatable)")
	flowRunCmd.Flags().Int("timeout", 0, "run timeout in seconds (0 = none)")
	flowHotspotsCmd.Flags().Int("limit", 10, "max hot spots")
	flowDecayCmd.Flags().Float64("rate", 0.10, "decay rate per pass")

	replayPlanCmd.Flags().String("from", "", "first node to replay (default: beginning)")
	replayCreateCmd.Flags().String("from", "", "first node to replay (default: beginning)")
	replayCreateCmd.Flags().Bool("include-context", true, "carry completed results into the replay context")
	replayRetryCmd.Flags().Bool("dry-run", false, "only report what would be retried")
	replayCloneCmd.Flags().StringSlice("input", nil, "input override as key=value (repeatable)")

	stepsResumeCmd.Flags().Int("from", 0, "resume from an explicit step (default: next incomplete)")
	stepsCompleteCmd.Flags().StringP("output", "m", "", "step output text")
	stepsCompleteCmd.Flags().String("output-file", "", "read step output from a file")
	stepsPauseCmd.Flags().String("reason", "", "why the workflow is pausing")

	scanCmd.Flags().String("before", "", "prior version of the file to diff against")

	flowCmd.AddCommand(flowDefineCmd, flowListCmd, flowRunCmd, flowStatusCmd,
		flowHotspotsCmd, flowDecayCmd)
	replayCmd.AddCommand(replayPlanCmd, replayCreateCmd, replayRetryCmd,
		replayResetCmd, replayCloneCmd)
	stepsCmd.AddCommand(stepsStartCmd, stepsResumeCmd, stepsCompleteCmd,
		stepsPauseCmd, stepsStatusCmd, stepsListCmd)
	watchCmd.AddCommand(watchRunCmd, watchPassCmd, watchStatusCmd, watchStopCmd, watchClearCmd)

	rootCmd.AddCommand(flowCmd, replayCmd, stepsCmd, scanCmd, watchCmd)
}
