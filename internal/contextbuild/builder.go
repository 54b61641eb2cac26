// Package contextbuild assembles the tiered context block handed to an
// agent before it starts a task. Layers are appended in a fixed order
// (project, golden rules, similar failures, relevant knowledge, recent
// activity) and each layer stops contributing once the token budget is
// exhausted.
package contextbuild

import (
	"fmt"
	"math"
	"os"
	"sort"
	"strings"
	"time"

	"hivemind/internal/blackboard"
	"hivemind/internal/config"
	"hivemind/internal/hiveerr"
	"hivemind/internal/logging"
	"hivemind/internal/paths"
	"hivemind/internal/store"
	"hivemind/internal/types"
)

const (
	defaultTokenBudget = 5000
	maxTokenBudget     = 50000
	// Tier 3 only runs when at least this much budget is left.
	recentTierMinTokens = 500
)

// Depth names accepted by Build.
const (
	DepthMinimal  = "minimal"
	DepthStandard = "standard"
	DepthDeep     = "deep"
)

// Request describes one context build.
type Request struct {
	Task      string
	Domain    string
	Tags      []string
	MaxTokens int
	Depth     string
	Location  string
}

// Builder assembles context blocks from the knowledge store, the
// blackboard, and the on-disk layout. The board is optional; without it
// the plan and review sections are skipped.
type Builder struct {
	store  *store.Store
	cfg    *config.Config
	layout paths.Layout
	board  *blackboard.Board
	log    *logging.Logger
	now    func() time.Time
}

// New builds a context builder over the shared store.
func New(s *store.Store, cfg *config.Config, layout paths.Layout, board *blackboard.Board) *Builder {
	if cfg == nil {
		cfg = config.Default()
	}
	return &Builder{
		store:  s,
		cfg:    cfg,
		layout: layout,
		board:  board,
		log:    logging.Get(logging.CategoryContext),
		now:    time.Now,
	}
}

// depthLimits caps each section: heuristics, learnings, decisions,
// invariants, assumptions, spikes, recent. Summaries are truncated at
// truncAt characters.
type depthLimits struct {
	heuristics  int
	learnings   int
	decisions   int
	invariants  int
	assumptions int
	spikes      int
	recent      int
	truncAt     int
}

func limitsFor(depth string) depthLimits {
	switch depth {
	case DepthMinimal:
		return depthLimits{}
	case DepthDeep:
		return depthLimits{25, 25, 10, 10, 10, 10, 10, 200}
	default:
		return depthLimits{10, 10, 5, 5, 5, 5, 5, 100}
	}
}

// Build assembles the context block for a task. The whole build runs
// under the configured timeout; a breach is audited and surfaced as a
// timeout error rather than returning a partial block. Audit and
// metric recording are best-effort and never fail the build.
func (b *Builder) Build(req Request) (string, error) {
	start := b.now()
	deadline := start.Add(time.Duration(b.cfg.Preferences.DefaultTimeout) * time.Second)

	if strings.TrimSpace(req.Task) == "" {
		return "", hiveerr.Validationf("task is required")
	}
	if err := store.ValidateQuery(req.Task); err != nil {
		return "", err
	}
	if req.Domain != "" {
		if err := store.ValidateDomain(req.Domain); err != nil {
			return "", err
		}
	}
	if err := store.ValidateTags(req.Tags); err != nil {
		return "", err
	}

	budget := req.MaxTokens
	if budget <= 0 {
		budget = defaultTokenBudget
	}
	if budget > maxTokenBudget {
		budget = maxTokenBudget
	}

	depth := req.Depth
	if depth == "" {
		depth = b.cfg.Preferences.DefaultDepth
	}
	switch depth {
	case DepthMinimal, DepthStandard, DepthDeep:
	default:
		depth = DepthStandard
	}
	limits := limitsFor(depth)

	doc := &contextDoc{max: budget}
	domain := req.Domain
	sections := 0

	// Tier 0: project context.
	if proj := detectProject(b.layout.Base); proj != nil {
		doc.add(b.projectSection(proj))
		sections++
		if domain == "" && len(proj.Domains) > 0 {
			domain = proj.Domains[0]
		}
	}

	// Tier 1: golden rules. Minimal depth filters to the always-load
	// categories and stops here.
	if golden := b.goldenRules(depth, domain); golden != "" {
		doc.add(golden)
		sections++
	}
	if depth == DepthMinimal {
		out := b.finish(req, depth, doc)
		b.recordBuild(req, domain, sections, start, store.AuditSuccess)
		return out, nil
	}

	if b.now().After(deadline) {
		b.recordBuild(req, domain, sections, start, store.AuditTimeout)
		return "", hiveerr.Timeoutf("context build exceeded %ds budget", b.cfg.Preferences.DefaultTimeout)
	}

	if b.cfg.Query.ShowSimilarFailures {
		if s := b.similarFailures(req.Task, limits.truncAt); s != "" {
			doc.add(s)
			sections++
		}
	}

	// Tier 2: relevant knowledge.
	for _, section := range []string{
		b.heuristicSection(domain, limits),
		b.learningSection(domain, req.Tags, limits),
		b.decisionSection(domain, limits),
		b.invariantSection(domain, limits),
		b.assumptionSection(limits),
		b.spikeSection(domain, limits),
		b.planSection(),
	} {
		if section == "" {
			continue
		}
		if !doc.add(section) {
			break
		}
		sections++
	}

	if b.now().After(deadline) {
		b.recordBuild(req, domain, sections, start, store.AuditTimeout)
		return "", hiveerr.Timeoutf("context build exceeded %ds budget", b.cfg.Preferences.DefaultTimeout)
	}

	// Tier 3: recent context, only when real budget remains.
	if doc.remaining() > recentTierMinTokens && limits.recent > 0 {
		for _, section := range []string{
			b.recentSection(limits),
			b.experimentSection(limits),
			b.pendingReviewSection(),
		} {
			if section == "" {
				continue
			}
			if !doc.add(section) {
				break
			}
			sections++
		}
	}

	out := b.finish(req, depth, doc)
	b.recordBuild(req, domain, sections, start, store.AuditSuccess)
	return out, nil
}

// finish prepends the header after assembly so it never competes with
// content for budget.
func (b *Builder) finish(req Request, depth string, doc *contextDoc) string {
	var h strings.Builder
	fmt.Fprintf(&h, "# Hive Context (%s depth)\n", depth)
	if req.Location != "" {
		fmt.Fprintf(&h, "Location: %s\n", req.Location)
	}
	fmt.Fprintf(&h, "Task: %s\n", req.Task)
	return h.String() + "\n" + strings.Join(doc.parts, "\n")
}

func (b *Builder) projectSection(proj *ProjectInfo) string {
	var s strings.Builder
	fmt.Fprintf(&s, "## Project: %s\n", proj.Name)
	fmt.Fprintf(&s, "Root: %s\n", proj.Root)
	if len(proj.Domains) > 0 {
		fmt.Fprintf(&s, "Domains: %s\n", strings.Join(proj.Domains, ", "))
	}
	if len(proj.Inherits) > 0 {
		fmt.Fprintf(&s, "Inherits: %s\n", strings.Join(proj.Inherits, " -> "))
	}
	if desc := projectDescription(proj.Root); desc != "" {
		s.WriteString("\n" + desc + "\n")
	}
	return s.String()
}

// goldenRules reads memory/golden-rules.md (filtered to the always-load
// categories on minimal depth), appends custom/golden-rules.md, and
// falls back to golden heuristics from the store when neither file
// exists.
func (b *Builder) goldenRules(depth, domain string) string {
	var body string
	if data, err := os.ReadFile(b.layout.GoldenRulesPath()); err == nil {
		body = string(data)
		if depth == DepthMinimal {
			body = filterCategories(body, b.cfg.AlwaysLoadCategories)
		}
	}
	if data, err := os.ReadFile(b.layout.CustomGoldenRulesPath()); err == nil {
		if body != "" {
			body += "\n"
		}
		body += "### Custom Golden Rules\n" + string(data)
	}
	if body == "" {
		rules, err := b.store.GoldenRules(domain)
		if err != nil || len(rules) == 0 {
			return ""
		}
		var s strings.Builder
		for _, r := range rules {
			fmt.Fprintf(&s, "- %s\n", r.Rule)
		}
		body = s.String()
	}
	return "## Golden Rules\n" + body
}

// filterCategories keeps only the "## <category>" sections whose
// heading matches an always-load category (case-insensitive). Text
// before the first heading is always kept.
func filterCategories(body string, categories []string) string {
	wanted := make(map[string]bool, len(categories))
	for _, c := range categories {
		wanted[strings.ToLower(strings.TrimSpace(c))] = true
	}

	var out []string
	keep := true
	for _, line := range strings.Split(body, "\n") {
		if strings.HasPrefix(line, "## ") {
			name := strings.ToLower(strings.TrimSpace(strings.TrimPrefix(line, "## ")))
			keep = wanted[name]
		}
		if keep {
			out = append(out, line)
		}
	}
	return strings.Join(out, "\n")
}

// similarFailures surfaces the top-3 past failures by lexical keyword
// overlap with the task, so an agent sees what went wrong last time
// before it repeats it.
func (b *Builder) similarFailures(task string, truncAt int) string {
	failures, err := b.store.RecentLearnings(types.LearningFailure, 50)
	if err != nil || len(failures) == 0 {
		return ""
	}

	taskWords := keywords(task)
	if len(taskWords) == 0 {
		return ""
	}

	type scored struct {
		learning *types.Learning
		matched  []string
	}
	var hits []scored
	for _, l := range failures {
		text := strings.ToLower(l.Title + " " + l.Summary + " " + l.Tags)
		var matched []string
		for w := range taskWords {
			if strings.Contains(text, w) {
				matched = append(matched, w)
			}
		}
		if len(matched) > 0 {
			sort.Strings(matched)
			hits = append(hits, scored{l, matched})
		}
	}
	if len(hits) == 0 {
		return ""
	}
	sort.SliceStable(hits, func(i, j int) bool {
		return len(hits[i].matched) > len(hits[j].matched)
	})
	if len(hits) > 3 {
		hits = hits[:3]
	}

	var s strings.Builder
	s.WriteString("## Similar Past Failures\n")
	for _, h := range hits {
		pct := 100 * len(h.matched) / len(taskWords)
		fmt.Fprintf(&s, "- [%d%% match] %s (keywords: %s)\n", pct,
			h.learning.Title, strings.Join(h.matched, ", "))
		if h.learning.Summary != "" {
			fmt.Fprintf(&s, "  %s\n", truncate(h.learning.Summary, truncAt))
		}
	}
	return s.String()
}

func keywords(task string) map[string]bool {
	out := map[string]bool{}
	for _, w := range strings.Fields(strings.ToLower(task)) {
		w = strings.Trim(w, ".,:;!?()[]{}\"'")
		if len(w) > 3 {
			out[w] = true
		}
	}
	return out
}

func (b *Builder) heuristicSection(domain string, limits depthLimits) string {
	pool, err := b.store.QueryHeuristics(store.HeuristicQuery{
		Domain: domain,
		Status: types.HeuristicActive,
		Limit:  limits.heuristics * 3,
	})
	if err != nil || len(pool) == 0 {
		return ""
	}

	now := b.now()
	sort.SliceStable(pool, func(i, j int) bool {
		return relevanceScore(pool[i], domain, now) > relevanceScore(pool[j], domain, now)
	})
	if len(pool) > limits.heuristics {
		pool = pool[:limits.heuristics]
	}

	var s strings.Builder
	s.WriteString("## Relevant Heuristics\n")
	for _, h := range pool {
		fmt.Fprintf(&s, "- [%.2f] %s (validated %dx)\n",
			h.Confidence, truncate(h.Rule, limits.truncAt), h.TimesValidated)
	}
	return s.String()
}

// relevanceScore ranks a heuristic for retrieval: recency with a 7-day
// half-life, validation count capped at 10, and a domain-match bonus.
func relevanceScore(h *types.Heuristic, domain string, now time.Time) float64 {
	stamp := h.LastUsedAt
	if stamp == "" {
		stamp = h.CreatedAt
	}
	recency := 0.0
	if t, err := time.Parse(time.RFC3339, stamp); err == nil {
		ageDays := now.Sub(t).Hours() / 24
		if ageDays < 0 {
			ageDays = 0
		}
		recency = math.Pow(0.5, ageDays/7)
	}
	validations := float64(h.TimesValidated)
	if validations > 10 {
		validations = 10
	}
	score := recency + validations/10
	if domain != "" && h.Domain == domain {
		score += 0.5
	}
	return score
}

// learningSection shows domain-matched learnings first, then learnings
// matching any requested tag.
func (b *Builder) learningSection(domain string, tags []string, limits depthLimits) string {
	pool, err := b.store.RecentLearnings("", 200)
	if err != nil || len(pool) == 0 {
		return ""
	}

	seen := map[int64]bool{}
	var picked []*types.Learning
	if domain != "" {
		for _, l := range pool {
			if l.Domain == domain && len(picked) < limits.learnings {
				picked = append(picked, l)
				seen[l.ID] = true
			}
		}
	}
	for _, tag := range tags {
		for _, l := range pool {
			if seen[l.ID] || len(picked) >= limits.learnings*2 {
				continue
			}
			if containsTag(l.Tags, tag) {
				picked = append(picked, l)
				seen[l.ID] = true
			}
		}
	}
	if len(picked) == 0 {
		return ""
	}

	var s strings.Builder
	s.WriteString("## Learnings\n")
	for _, l := range picked {
		fmt.Fprintf(&s, "- [%s] %s\n", l.Type, l.Title)
		if l.Summary != "" {
			fmt.Fprintf(&s, "  %s\n", truncate(l.Summary, limits.truncAt))
		}
	}
	return s.String()
}

func containsTag(csv, tag string) bool {
	for _, t := range strings.Split(csv, ",") {
		if strings.EqualFold(strings.TrimSpace(t), tag) {
			return true
		}
	}
	return false
}

func (b *Builder) decisionSection(domain string, limits depthLimits) string {
	all, err := b.store.Decisions(domain, limits.decisions*2)
	if err != nil {
		return ""
	}
	var accepted []*types.Decision
	for _, d := range all {
		if d.Status == "accepted" && len(accepted) < limits.decisions {
			accepted = append(accepted, d)
		}
	}
	if len(accepted) == 0 {
		return ""
	}

	var s strings.Builder
	s.WriteString("## Decisions (accepted)\n")
	for _, d := range accepted {
		fmt.Fprintf(&s, "- %s: %s\n", d.Title, truncate(d.Decision, 150))
	}
	return s.String()
}

// invariantSection lists violated invariants first so they read as
// active hazards, then fills the remaining slots with active ones.
func (b *Builder) invariantSection(domain string, limits depthLimits) string {
	violated, _ := b.store.ViolatedInvariants(domain, limits.invariants)
	shown := map[int64]bool{}

	var s strings.Builder
	count := 0
	for _, inv := range violated {
		if count == 0 {
			s.WriteString("## Invariants\n")
		}
		fmt.Fprintf(&s, "- [VIOLATED %dx] %s\n", inv.ViolationCount,
			truncate(inv.Statement, limits.truncAt))
		shown[inv.ID] = true
		count++
	}

	active, _ := b.store.ActiveInvariants(domain, limits.invariants)
	for _, inv := range active {
		if count >= limits.invariants {
			break
		}
		if shown[inv.ID] {
			continue
		}
		if count == 0 {
			s.WriteString("## Invariants\n")
		}
		fmt.Fprintf(&s, "- [%s] %s\n", inv.Severity, truncate(inv.Statement, limits.truncAt))
		count++
	}
	if count == 0 {
		return ""
	}
	return s.String()
}

func (b *Builder) assumptionSection(limits depthLimits) string {
	active, _ := b.store.ActiveAssumptions(0.6, limits.assumptions)
	challenged, _ := b.store.ChallengedAssumptions(limits.assumptions/2 + 1)
	if len(active) == 0 && len(challenged) == 0 {
		return ""
	}

	var s strings.Builder
	s.WriteString("## Assumptions\n")
	for _, a := range active {
		fmt.Fprintf(&s, "- [%.2f] %s\n", a.Confidence, truncate(a.Assumption, limits.truncAt))
	}
	for _, a := range challenged {
		fmt.Fprintf(&s, "- WARNING %s (challenged %dx): %s\n",
			a.Status, a.ChallengedCount, truncate(a.Assumption, limits.truncAt))
	}
	return s.String()
}

func (b *Builder) spikeSection(domain string, limits depthLimits) string {
	spikes, err := b.store.RecentSpikeReports(domain, limits.spikes)
	if err != nil || len(spikes) == 0 {
		return ""
	}

	var s strings.Builder
	s.WriteString("## Spike Reports\n")
	for _, sp := range spikes {
		fmt.Fprintf(&s, "- %s (usefulness %.1f)\n", sp.Title, sp.UsefulnessScore)
		if sp.Findings != "" {
			fmt.Fprintf(&s, "  %s\n", truncate(sp.Findings, limits.truncAt))
		}
	}
	return s.String()
}

// planSection surfaces unfinished blackboard tasks as the active plan.
func (b *Builder) planSection() string {
	if b.board == nil {
		return ""
	}
	pending, _ := b.board.Tasks(types.TaskPending)
	inProgress, _ := b.board.Tasks(types.TaskInProgress)
	if len(pending)+len(inProgress) == 0 {
		return ""
	}

	var s strings.Builder
	s.WriteString("## Active Plans\n")
	for _, t := range inProgress {
		fmt.Fprintf(&s, "- [in progress, %s] %s\n", t.AssignedTo, t.Task)
	}
	for _, t := range pending {
		fmt.Fprintf(&s, "- [pending, p%d] %s\n", t.Priority, t.Task)
	}
	return s.String()
}

func (b *Builder) recentSection(limits depthLimits) string {
	recent, err := b.store.RecentLearnings("", limits.recent)
	if err != nil || len(recent) == 0 {
		return ""
	}
	var s strings.Builder
	s.WriteString("## Recent Activity\n")
	for _, l := range recent {
		fmt.Fprintf(&s, "- [%s] %s\n", l.Type, l.Title)
	}
	return s.String()
}

func (b *Builder) experimentSection(limits depthLimits) string {
	experiments, err := b.store.RecentLearnings(types.LearningExperiment, limits.recent)
	if err != nil || len(experiments) == 0 {
		return ""
	}
	var s strings.Builder
	s.WriteString("## Active Experiments\n")
	for _, l := range experiments {
		fmt.Fprintf(&s, "- %s\n", l.Title)
	}
	return s.String()
}

// pendingReviewSection lists files waiting in the ceo-inbox.
func (b *Builder) pendingReviewSection() string {
	entries, err := os.ReadDir(b.layout.CEOInbox)
	if err != nil || len(entries) == 0 {
		return ""
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	if len(names) == 0 {
		return ""
	}
	sort.Strings(names)

	var s strings.Builder
	fmt.Fprintf(&s, "## Pending Reviews (%d)\n", len(names))
	for _, n := range names {
		fmt.Fprintf(&s, "- %s\n", n)
	}
	return s.String()
}

// recordBuild writes the audit row and the four system-health metric
// observations. Failures are logged, never surfaced.
func (b *Builder) recordBuild(req Request, domain string, sections int, start time.Time, status string) {
	durMs := b.now().Sub(start).Milliseconds()
	b.store.AuditQuery("build_context", domain, truncate(req.Task, 50), sections, durMs, status)

	pool, err := b.store.QueryHeuristics(store.HeuristicQuery{
		Domain: domain,
		Status: types.HeuristicActive,
		Limit:  500,
	})
	if err != nil {
		b.log.Debug("metric snapshot skipped: %v", err)
		return
	}

	var confSum float64
	var validated, contradicted int
	for _, h := range pool {
		confSum += h.Confidence
		validated += h.TimesValidated
		contradicted += h.TimesContradicted
	}

	avgConf := 0.0
	if len(pool) > 0 {
		avgConf = confSum / float64(len(pool))
	}
	contradictionRate := 0.0
	if validated+contradicted > 0 {
		contradictionRate = float64(contradicted) / float64(validated+contradicted)
	}
	velocity := float64(validated) / 7.0

	for name, value := range map[string]float64{
		"avg_confidence":      avgConf,
		"validation_velocity": velocity,
		"contradiction_rate":  contradictionRate,
		"query_count":         1,
	} {
		if err := b.store.RecordMetric("system", name, value, domain); err != nil {
			b.log.Debug("record %s failed: %v", name, err)
		}
	}
}

// contextDoc accumulates sections under the len/4 token estimate. add
// refuses a section that would blow the budget.
type contextDoc struct {
	parts  []string
	tokens int
	max    int
}

func (d *contextDoc) add(s string) bool {
	if s == "" {
		return true
	}
	t := len(s) / 4
	if d.tokens+t > d.max {
		return false
	}
	d.parts = append(d.parts, s)
	d.tokens += t
	return true
}

func (d *contextDoc) remaining() int { return d.max - d.tokens }

func truncate(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
