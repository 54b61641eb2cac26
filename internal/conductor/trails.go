package conductor

import (
	"fmt"
	"strings"
	"time"

	"hivemind/internal/hiveerr"
	"hivemind/internal/types"
)

// Pheromone trails: agents mark locations (files, functions, concepts)
// with scented, decaying strength values. Aggregated trail activity
// tells later agents where the action is.

// Trail is one pheromone marker.
type Trail struct {
	ID        int64
	RunID     int64
	Location  string
	Scent     string
	Strength  float64
	AgentID   string
	NodeID    string
	Message   string
	Tags      []string
	ExpiresAt string
	CreatedAt string
}

// HotSpot aggregates trail activity at one location.
type HotSpot struct {
	Location      string
	TrailCount    int
	MaxStrength   float64
	TotalStrength float64
	Scents        string
	Agents        string
	LastActivity  string
}

// TrailFilter narrows Trails queries. Zero values mean no filter.
type TrailFilter struct {
	Location       string // substring match
	Scent          string
	MinStrength    float64
	RunID          int64
	IncludeExpired bool
}

// LayTrail drops a pheromone marker at a location. Strength is clamped
// to [0,1]; ttlHours defaults to 24.
func (c *Conductor) LayTrail(runID int64, location, scent string, strength float64, agentID, nodeID, message string, tags []string, ttlHours int) error {
	if strings.TrimSpace(location) == "" {
		return hiveerr.Validationf("trail location is required")
	}
	if strings.TrimSpace(scent) == "" {
		return hiveerr.Validationf("trail scent is required")
	}
	if strength < 0 {
		strength = 0
	}
	if strength > 1 {
		strength = 1
	}
	if ttlHours <= 0 {
		ttlHours = 24
	}
	expiresAt := c.now().UTC().Add(time.Duration(ttlHours) * time.Hour).Format(time.RFC3339)

	_, err := c.store.DB().Exec(`
		INSERT INTO trails (run_id, location, scent, strength, agent_id, node_id, message, tags, expires_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		nullableInt(runID), location, scent, strength, nullable(agentID), nullable(nodeID),
		nullable(message), strings.Join(tags, ","), expiresAt, c.nowISO())
	if err != nil {
		return hiveerr.Database("insert trail", err)
	}
	return nil
}

// Trails returns markers matching the filter, strongest first.
func (c *Conductor) Trails(f TrailFilter) ([]Trail, error) {
	conditions := []string{"strength >= ?"}
	args := []interface{}{f.MinStrength}

	if !f.IncludeExpired {
		conditions = append(conditions, "(expires_at IS NULL OR expires_at > ?)")
		args = append(args, c.nowISO())
	}
	if f.Location != "" {
		conditions = append(conditions, "location LIKE ?")
		args = append(args, "%"+f.Location+"%")
	}
	if f.Scent != "" {
		conditions = append(conditions, "scent = ?")
		args = append(args, f.Scent)
	}
	if f.RunID != 0 {
		conditions = append(conditions, "run_id = ?")
		args = append(args, f.RunID)
	}

	rows, err := c.store.DB().Query(`
		SELECT id, COALESCE(run_id,0), location, scent, strength,
		       COALESCE(agent_id,''), COALESCE(node_id,''), COALESCE(message,''),
		       tags, COALESCE(expires_at,''), created_at
		FROM trails WHERE `+strings.Join(conditions, " AND ")+`
		ORDER BY strength DESC, created_at DESC LIMIT 100`, args...)
	if err != nil {
		return nil, hiveerr.Database("query trails", err)
	}
	defer rows.Close()

	var out []Trail
	for rows.Next() {
		var tr Trail
		var tags string
		if err := rows.Scan(&tr.ID, &tr.RunID, &tr.Location, &tr.Scent, &tr.Strength,
			&tr.AgentID, &tr.NodeID, &tr.Message, &tags, &tr.ExpiresAt, &tr.CreatedAt); err != nil {
			return nil, hiveerr.Database("scan trail", err)
		}
		if tags != "" {
			tr.Tags = strings.Split(tags, ",")
		}
		out = append(out, tr)
	}
	return out, rows.Err()
}

// HotSpots returns the locations with the most trail activity, ranked
// by total strength.
func (c *Conductor) HotSpots(runID int64, limit int) ([]HotSpot, error) {
	if limit <= 0 {
		limit = 20
	}
	where := ""
	args := []interface{}{}
	if runID != 0 {
		where = "WHERE run_id = ?"
		args = append(args, runID)
	}
	args = append(args, limit)

	rows, err := c.store.DB().Query(`
		SELECT location, COUNT(*), MAX(strength), SUM(strength),
		       GROUP_CONCAT(DISTINCT scent), COALESCE(GROUP_CONCAT(DISTINCT agent_id),''),
		       MAX(created_at)
		FROM trails `+where+`
		GROUP BY location ORDER BY SUM(strength) DESC LIMIT ?`, args...)
	if err != nil {
		return nil, hiveerr.Database("query hot spots", err)
	}
	defer rows.Close()

	var out []HotSpot
	for rows.Next() {
		var h HotSpot
		if err := rows.Scan(&h.Location, &h.TrailCount, &h.MaxStrength, &h.TotalStrength,
			&h.Scents, &h.Agents, &h.LastActivity); err != nil {
			return nil, hiveerr.Database("scan hot spot", err)
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

// DecayTrails evaporates every live trail by the rate and deletes the
// ones that have faded below 0.01.
func (c *Conductor) DecayTrails(rate float64) error {
	if rate <= 0 || rate >= 1 {
		return hiveerr.Validationf("decay rate must be in (0, 1), got %v", rate)
	}
	if _, err := c.store.DB().Exec(`
		UPDATE trails SET strength = strength * (1.0 - ?)
		WHERE expires_at IS NULL OR expires_at > ?`, rate, c.nowISO()); err != nil {
		return hiveerr.Database("decay trails", err)
	}
	if _, err := c.store.DB().Exec(`DELETE FROM trails WHERE strength < 0.01`); err != nil {
		return hiveerr.Database("prune trails", err)
	}
	return nil
}

// SyncFindingsToBlackboard replays completed-node findings onto the
// blackboard so live agents can see what the workflow discovered.
// Sync failures are logged, not fatal.
func (c *Conductor) SyncFindingsToBlackboard(runID int64) error {
	if c.board == nil {
		return nil
	}
	executions, err := c.NodeExecutions(runID)
	if err != nil {
		return err
	}
	for _, e := range executions {
		if e.Status != "completed" {
			continue
		}
		agentID := e.AgentID
		if agentID == "" {
			agentID = "conductor"
		}
		for _, f := range e.Findings {
			ftype := types.FindingNote
			if s, ok := f["type"].(string); ok && s != "" {
				ftype = types.FindingType(s)
			}
			content, _ := f["content"].(string)
			importance := types.ImportanceNormal
			if s, ok := f["importance"].(string); ok && s != "" {
				importance = types.Importance(s)
			}
			var tags []string
			if raw, ok := f["tags"].([]interface{}); ok {
				for _, t := range raw {
					if s, ok := t.(string); ok {
						tags = append(tags, s)
					}
				}
			}
			if _, err := c.board.AddFinding(agentID, ftype, content, e.FilesModified, importance, tags); err != nil {
				c.log.Warn("run %d: cannot sync finding to blackboard: %v", runID, err)
			}
		}
	}
	return nil
}

// SyncTrailsToBlackboard promotes the run's top hot spots to blackboard
// findings. Heavily-trailed locations are marked high importance.
func (c *Conductor) SyncTrailsToBlackboard(runID int64) error {
	if c.board == nil {
		return nil
	}
	hotSpots, err := c.HotSpots(runID, 10)
	if err != nil {
		return err
	}
	for _, h := range hotSpots {
		importance := types.ImportanceNormal
		if h.TotalStrength > 3.0 {
			importance = types.ImportanceHigh
		}
		var files []string
		if strings.Contains(h.Location, "/") {
			files = []string{h.Location}
		}
		content := fmt.Sprintf("Hot spot: %s (%d trails, scents: %s)", h.Location, h.TrailCount, h.Scents)
		if _, err := c.board.AddFinding("conductor", types.FindingTrail, content, files, importance, []string{"trail", "hot-spot"}); err != nil {
			c.log.Warn("run %d: cannot sync trail to blackboard: %v", runID, err)
		}
	}
	return nil
}

func nullableInt(n int64) interface{} {
	if n == 0 {
		return nil
	}
	return n
}
