// Package stepflow runs long-lived, resumable workflows defined as a
// directory of numbered step files. Unlike the conductor's graph runs,
// all state lives in the frontmatter of the output document, so a
// workflow survives process restarts and can be picked up mid-flight.
//
// Layout:
//
//	<workflow>/
//	  workflow.yaml
//	  steps/step-01-<name>.md
//	  steps/step-02-<name>.md
//	  output/result.md        (state + accumulated output)
package stepflow

import (
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"hivemind/internal/hiveerr"
	"hivemind/internal/logging"
)

// Workflow statuses stored in output frontmatter.
const (
	StatusNotStarted = "not_started"
	StatusInProgress = "in_progress"
	StatusPaused     = "paused"
	StatusCompleted  = "completed"
)

// Config is the workflow.yaml contents. Zero fields fall back to the
// conventional layout.
type Config struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	StepsDir    string `yaml:"steps_dir"`
	OutputDir   string `yaml:"output_dir"`
	OutputFile  string `yaml:"output_file"`
}

// Checkpoint records one completed step.
type Checkpoint struct {
	Step        int    `yaml:"step"`
	CompletedAt string `yaml:"completed_at"`
}

// State is the frontmatter block of the output file.
type State struct {
	WorkflowStatus string       `yaml:"workflow_status"`
	StepsCompleted []int        `yaml:"steps_completed"`
	CurrentStep    int          `yaml:"current_step"`
	Started        string       `yaml:"started,omitempty"`
	Updated        string       `yaml:"updated,omitempty"`
	PauseReason    string       `yaml:"pause_reason,omitempty"`
	Checkpoints    []Checkpoint `yaml:"checkpoints"`
}

func defaultState() State {
	return State{WorkflowStatus: StatusNotStarted}
}

// Step is one numbered step file. Instructions load on demand.
type Step struct {
	Num  int
	Path string
}

// Instructions returns the step body with its own frontmatter removed.
func (s Step) Instructions() string {
	data, err := os.ReadFile(s.Path)
	if err != nil {
		return ""
	}
	return StepBody(string(data))
}

// Result reports the outcome of an engine transition.
type Result struct {
	Status       string
	Workflow     string
	Step         int
	NextStep     int
	TotalSteps   int
	Completed    []int
	Instructions string
	OutputPath   string
	Message      string
}

// Engine drives one workflow directory.
type Engine struct {
	dir        string
	cfg        Config
	steps      []Step
	outputPath string
	log        *logging.Logger
	now        func() time.Time
}

// Open loads a workflow from its directory (or its workflow.yaml
// directly) and indexes the step files.
func Open(path string) (*Engine, error) {
	dir := path
	cfgPath := filepath.Join(path, "workflow.yaml")
	if info, err := os.Stat(path); err == nil && !info.IsDir() {
		dir = filepath.Dir(path)
		cfgPath = path
	}

	e := &Engine{
		dir: dir,
		log: logging.Get(logging.CategoryReplay),
		now: time.Now,
	}

	if data, err := os.ReadFile(cfgPath); err == nil {
		if err := yaml.Unmarshal(data, &e.cfg); err != nil {
			return nil, hiveerr.Configf("malformed %s: %v", cfgPath, err)
		}
	}
	if e.cfg.Name == "" {
		e.cfg.Name = filepath.Base(dir)
	}
	if e.cfg.StepsDir == "" {
		e.cfg.StepsDir = "steps"
	}
	if e.cfg.OutputDir == "" {
		e.cfg.OutputDir = "output"
	}
	if e.cfg.OutputFile == "" {
		e.cfg.OutputFile = "result.md"
	}
	e.outputPath = filepath.Join(dir, e.cfg.OutputDir, e.cfg.OutputFile)

	if err := e.loadSteps(); err != nil {
		return nil, err
	}
	return e, nil
}

// loadSteps indexes steps/step-NN-*.md by the NN in the filename.
// Files that don't carry a parseable number are skipped.
func (e *Engine) loadSteps() error {
	stepsDir := filepath.Join(e.dir, e.cfg.StepsDir)
	entries, err := os.ReadDir(stepsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return hiveerr.Configf("cannot read steps dir %s: %v", stepsDir, err)
	}

	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, "step-") || !strings.HasSuffix(name, ".md") {
			continue
		}
		numPart := strings.TrimPrefix(name, "step-")
		if i := strings.IndexAny(numPart, "-."); i >= 0 {
			numPart = numPart[:i]
		}
		num, err := strconv.Atoi(numPart)
		if err != nil {
			continue
		}
		e.steps = append(e.steps, Step{Num: num, Path: filepath.Join(stepsDir, name)})
	}
	sort.Slice(e.steps, func(i, j int) bool { return e.steps[i].Num < e.steps[j].Num })
	return nil
}

// Name returns the workflow name.
func (e *Engine) Name() string { return e.cfg.Name }

// TotalSteps returns the number of indexed step files.
func (e *Engine) TotalSteps() int { return len(e.steps) }

// OutputPath returns where state and output accumulate.
func (e *Engine) OutputPath() string { return e.outputPath }

// GetStep finds a step by number, nil when absent.
func (e *Engine) GetStep(num int) *Step {
	for i := range e.steps {
		if e.steps[i].Num == num {
			return &e.steps[i]
		}
	}
	return nil
}

// State reads the current state from the output file's frontmatter.
func (e *Engine) State() State {
	data, err := os.ReadFile(e.outputPath)
	if err != nil {
		return defaultState()
	}
	st, _ := decodeState(string(data))
	if st.WorkflowStatus == "" {
		st.WorkflowStatus = StatusNotStarted
	}
	return st
}

// PendingSteps lists steps not yet completed.
func (e *Engine) PendingSteps() []Step {
	done := map[int]bool{}
	for _, n := range e.State().StepsCompleted {
		done[n] = true
	}
	var out []Step
	for _, s := range e.steps {
		if !done[s.Num] {
			out = append(out, s)
		}
	}
	return out
}

// CanResume reports whether the workflow is mid-flight with work left.
func (e *Engine) CanResume() bool {
	st := e.State()
	if st.WorkflowStatus != StatusInProgress && st.WorkflowStatus != StatusPaused {
		return false
	}
	return len(e.PendingSteps()) > 0
}

// Summary is a point-in-time view of the workflow.
type Summary struct {
	Name           string
	Status         string
	TotalSteps     int
	CompletedSteps int
	CurrentStep    int
	NextStep       int
	CanResume      bool
	OutputPath     string
}

// StatusSummary assembles the summary for listings and the CLI.
func (e *Engine) StatusSummary() Summary {
	st := e.State()
	next := 0
	if st.WorkflowStatus != StatusCompleted {
		if pending := e.PendingSteps(); len(pending) > 0 {
			next = pending[0].Num
		}
	}
	return Summary{
		Name:           e.cfg.Name,
		Status:         st.WorkflowStatus,
		TotalSteps:     len(e.steps),
		CompletedSteps: len(st.StepsCompleted),
		CurrentStep:    st.CurrentStep,
		NextStep:       next,
		CanResume:      e.CanResume(),
		OutputPath:     e.outputPath,
	}
}

// Start resets state and hands back the first step's instructions.
func (e *Engine) Start() (*Result, error) {
	first := e.GetStep(1)
	if first == nil {
		return nil, hiveerr.Validationf("workflow %s has no steps", e.cfg.Name)
	}

	st := defaultState()
	st.WorkflowStatus = StatusInProgress
	st.Started = e.stamp()
	st.Updated = st.Started
	if err := e.save(st, ""); err != nil {
		return nil, err
	}

	e.log.Info("started workflow %s (%d steps)", e.cfg.Name, len(e.steps))
	return &Result{
		Status:       "started",
		Workflow:     e.cfg.Name,
		Step:         1,
		TotalSteps:   len(e.steps),
		Instructions: first.Instructions(),
	}, nil
}

// Resume picks up from a checkpoint. fromStep <= 0 means the next
// incomplete step; resuming a workflow that never started starts it.
func (e *Engine) Resume(fromStep int) (*Result, error) {
	st := e.State()

	stepNum := fromStep
	if stepNum <= 0 {
		if st.WorkflowStatus == StatusNotStarted {
			return e.Start()
		}
		// CurrentStep already points at the next step to execute.
		stepNum = st.CurrentStep
		if stepNum < 1 {
			stepNum = 1
		}
	}

	step := e.GetStep(stepNum)
	if step == nil {
		if stepNum > len(e.steps) {
			return &Result{
				Status:     StatusCompleted,
				Workflow:   e.cfg.Name,
				Message:    "all steps completed",
				OutputPath: e.outputPath,
			}, nil
		}
		return nil, hiveerr.Validationf("step %d not found in workflow %s", stepNum, e.cfg.Name)
	}

	return &Result{
		Status:       "resumed",
		Workflow:     e.cfg.Name,
		Step:         stepNum,
		TotalSteps:   len(e.steps),
		Completed:    st.StepsCompleted,
		Instructions: step.Instructions(),
	}, nil
}

// CompleteStep checkpoints a finished step, appends its output, and
// returns the next step (or completion).
func (e *Engine) CompleteStep(stepNum int, output string) (*Result, error) {
	if e.GetStep(stepNum) == nil {
		return nil, hiveerr.Validationf("step %d not found in workflow %s", stepNum, e.cfg.Name)
	}

	st, body := e.load()
	if !containsInt(st.StepsCompleted, stepNum) {
		st.StepsCompleted = append(st.StepsCompleted, stepNum)
		sort.Ints(st.StepsCompleted)
	}
	st.CurrentStep = stepNum + 1
	st.WorkflowStatus = StatusInProgress
	st.Updated = e.stamp()
	st.Checkpoints = append(st.Checkpoints, Checkpoint{Step: stepNum, CompletedAt: st.Updated})
	if output != "" {
		body += output
	}

	next := e.GetStep(stepNum + 1)
	if next == nil {
		st.WorkflowStatus = StatusCompleted
		if err := e.save(st, body); err != nil {
			return nil, err
		}
		e.log.Info("workflow %s completed", e.cfg.Name)
		return &Result{
			Status:     StatusCompleted,
			Workflow:   e.cfg.Name,
			Message:    "workflow completed",
			OutputPath: e.outputPath,
		}, nil
	}

	if err := e.save(st, body); err != nil {
		return nil, err
	}
	return &Result{
		Status:       "step_completed",
		Workflow:     e.cfg.Name,
		Step:         stepNum,
		NextStep:     stepNum + 1,
		TotalSteps:   len(e.steps),
		Completed:    st.StepsCompleted,
		Instructions: next.Instructions(),
	}, nil
}

// Pause parks the workflow at its current step.
func (e *Engine) Pause(reason string) (*Result, error) {
	st, body := e.load()
	st.WorkflowStatus = StatusPaused
	st.Updated = e.stamp()
	st.PauseReason = reason
	if err := e.save(st, body); err != nil {
		return nil, err
	}
	return &Result{
		Status:     StatusPaused,
		Workflow:   e.cfg.Name,
		Step:       st.CurrentStep,
		Message:    reason,
		OutputPath: e.outputPath,
	}, nil
}

func (e *Engine) load() (State, string) {
	data, err := os.ReadFile(e.outputPath)
	if err != nil {
		return defaultState(), ""
	}
	st, body := decodeState(string(data))
	if st.WorkflowStatus == "" {
		st.WorkflowStatus = StatusNotStarted
	}
	return st, body
}

func (e *Engine) save(st State, body string) error {
	if err := os.MkdirAll(filepath.Dir(e.outputPath), 0o755); err != nil {
		return hiveerr.Configf("cannot create output dir: %v", err)
	}
	if err := os.WriteFile(e.outputPath, []byte(encodeState(st, body)), 0o644); err != nil {
		return hiveerr.Configf("cannot write %s: %v", e.outputPath, err)
	}
	return nil
}

func (e *Engine) stamp() string {
	return e.now().UTC().Format("2006-01-02T15:04:05")
}

func containsInt(xs []int, x int) bool {
	for _, v := range xs {
		if v == x {
			return true
		}
	}
	return false
}

// ListWorkflows summarizes every workflow directory under baseDir.
func ListWorkflows(baseDir string) []Summary {
	entries, err := os.ReadDir(baseDir)
	if err != nil {
		return nil
	}
	var out []Summary
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		dir := filepath.Join(baseDir, entry.Name())
		if _, err := os.Stat(filepath.Join(dir, "workflow.yaml")); err != nil {
			continue
		}
		e, err := Open(dir)
		if err != nil {
			continue
		}
		out = append(out, e.StatusSummary())
	}
	return out
}
