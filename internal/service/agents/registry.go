package agents

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"agentdesk/internal/models"
)

var (
	// ErrAgentNotFound is returned when an id does not name a live agent of the project.
	ErrAgentNotFound = errors.New("agent not found")

	// ErrInvalidAgent wraps validation failures of Create and Update.
	ErrInvalidAgent = errors.New("invalid agent")
)

// Registry is the per-project agent configuration. It never touches conversations.
type Registry struct {
	db *sql.DB
}

func NewRegistry(db *sql.DB) *Registry {
	return &Registry{db: db}
}

// NewAgent describes a custom agent created by a user.
type NewAgent struct {
	Name         string   `json:"name"`
	Instructions string   `json:"instructions"`
	Model        string   `json:"model"`
	Tools        []string `json:"tools"`
}

const agentColumns = `id, project_id, type, name, instructions, model, tools, is_default, is_active, created_at, updated_at, deleted_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAgent(row rowScanner) (*models.Agent, error) {
	var (
		a       models.Agent
		model   sql.NullString
		tools   sql.NullString
		deleted sql.NullTime
	)
	if err := row.Scan(&a.ID, &a.ProjectID, &a.Type, &a.Name, &a.Instructions, &model, &tools,
		&a.IsDefault, &a.IsActive, &a.CreatedAt, &a.UpdatedAt, &deleted); err != nil {
		return nil, err
	}
	a.Model = model.String
	if tools.Valid && tools.String != "" {
		if err := json.Unmarshal([]byte(tools.String), &a.Tools); err != nil {
			return nil, fmt.Errorf("decode tools of agent %d: %w", a.ID, err)
		}
	}
	if deleted.Valid {
		t := deleted.Time
		a.DeletedAt = &t
	}
	return &a, nil
}

func (r *Registry) query(ctx context.Context, q string, args ...any) ([]*models.Agent, error) {
	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query agents: %w", err)
	}
	defer rows.Close()

	var out []*models.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// AgentsForProject returns the active, not deleted agents of a project ordered by id.
func (r *Registry) AgentsForProject(ctx context.Context, projectID int64) ([]*models.Agent, error) {
	return r.query(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE project_id = ? AND is_active = 1 AND deleted_at IS NULL ORDER BY id`,
		projectID,
	)
}

// AllAgents lists every agent of a project, optionally including soft-deleted ones.
func (r *Registry) AllAgents(ctx context.Context, projectID int64, includeDeleted bool) ([]*models.Agent, error) {
	q := `SELECT ` + agentColumns + ` FROM agents WHERE project_id = ?`
	if !includeDeleted {
		q += ` AND deleted_at IS NULL`
	}
	return r.query(ctx, q+` ORDER BY id`, projectID)
}

// Get returns one agent of the project, deleted or not.
func (r *Registry) Get(ctx context.Context, projectID, agentID int64) (*models.Agent, error) {
	a, err := scanAgent(r.db.QueryRowContext(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE id = ? AND project_id = ?`, agentID, projectID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrAgentNotFound
		}
		return nil, fmt.Errorf("get agent: %w", err)
	}
	return a, nil
}

// ByType picks the live agent configured for t. The default agent wins over
// custom entries of the same type, then the lowest id.
func ByType(agents []*models.Agent, t models.AgentType) (*models.Agent, bool) {
	var best *models.Agent
	for _, a := range agents {
		if a.Type != t || !a.IsActive || a.DeletedAt != nil {
			continue
		}
		switch {
		case best == nil:
			best = a
		case a.IsDefault && !best.IsDefault:
			best = a
		case a.IsDefault == best.IsDefault && a.ID < best.ID:
			best = a
		}
	}
	return best, best != nil
}

// ByType looks up the agent configured for t in the project.
func (r *Registry) ByType(ctx context.Context, projectID int64, t models.AgentType) (*models.Agent, error) {
	list, err := r.AgentsForProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	a, ok := ByType(list, t)
	if !ok {
		return nil, ErrAgentNotFound
	}
	return a, nil
}

// ByIDs resolves ids to live agents keeping the caller's order. Duplicate ids
// collapse to the first occurrence. Any unknown id fails the whole lookup.
func (r *Registry) ByIDs(ctx context.Context, projectID int64, ids []int64) ([]*models.Agent, error) {
	list, err := r.AgentsForProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	index := make(map[int64]*models.Agent, len(list))
	for _, a := range list {
		index[a.ID] = a
	}
	seen := make(map[int64]bool, len(ids))
	out := make([]*models.Agent, 0, len(ids))
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		a, ok := index[id]
		if !ok {
			return nil, fmt.Errorf("%w: %d", ErrAgentNotFound, id)
		}
		out = append(out, a)
	}
	return out, nil
}

// SeedDefaults inserts the default agent set for a freshly created project.
// Types that already have a default agent are skipped.
func (r *Registry) SeedDefaults(ctx context.Context, projectID int64) ([]*models.Agent, error) {
	existing, err := r.AllAgents(ctx, projectID, true)
	if err != nil {
		return nil, err
	}
	have := make(map[models.AgentType]bool)
	for _, a := range existing {
		if a.IsDefault {
			have[a.Type] = true
		}
	}
	for _, d := range defaultAgents {
		if have[d.Type] {
			continue
		}
		if _, err := r.insert(ctx, projectID, d.Type, d.Name, d.Instructions, "", d.Tools, true); err != nil {
			return nil, err
		}
	}
	return r.AgentsForProject(ctx, projectID)
}

// Create adds a custom agent to the project.
func (r *Registry) Create(ctx context.Context, projectID int64, in NewAgent) (*models.Agent, error) {
	name := strings.TrimSpace(in.Name)
	instructions := strings.TrimSpace(in.Instructions)
	if name == "" || instructions == "" {
		return nil, fmt.Errorf("%w: name and instructions are required", ErrInvalidAgent)
	}
	id, err := r.insert(ctx, projectID, models.AgentCustom, name, instructions, strings.TrimSpace(in.Model), in.Tools, false)
	if err != nil {
		return nil, err
	}
	return r.Get(ctx, projectID, id)
}

func (r *Registry) insert(ctx context.Context, projectID int64, t models.AgentType, name, instructions, model string, tools []string, isDefault bool) (int64, error) {
	toolsCol, err := encodeTools(tools)
	if err != nil {
		return 0, err
	}
	var modelCol sql.NullString
	if model != "" {
		modelCol = sql.NullString{String: model, Valid: true}
	}
	now := time.Now().UTC()
	res, err := r.db.ExecContext(ctx,
		`INSERT INTO agents (project_id, type, name, instructions, model, tools, is_default, is_active, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, 1, ?, ?)`,
		projectID, t, name, instructions, modelCol, toolsCol, isDefault, now, now,
	)
	if err != nil {
		return 0, fmt.Errorf("insert agent: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("agent id: %w", err)
	}
	return id, nil
}

// Update applies a partial patch to a live agent.
func (r *Registry) Update(ctx context.Context, projectID, agentID int64, patch models.AgentPatch) (*models.Agent, error) {
	current, err := r.Get(ctx, projectID, agentID)
	if err != nil {
		return nil, err
	}
	if current.DeletedAt != nil {
		return nil, ErrAgentNotFound
	}

	if patch.Name != nil {
		name := strings.TrimSpace(*patch.Name)
		if name == "" {
			return nil, fmt.Errorf("%w: name cannot be empty", ErrInvalidAgent)
		}
		current.Name = name
	}
	if patch.Instructions != nil {
		instructions := strings.TrimSpace(*patch.Instructions)
		if instructions == "" {
			return nil, fmt.Errorf("%w: instructions cannot be empty", ErrInvalidAgent)
		}
		current.Instructions = instructions
	}
	if patch.Model != nil {
		current.Model = strings.TrimSpace(*patch.Model)
	}
	if patch.Tools != nil {
		current.Tools = *patch.Tools
	}
	if patch.IsActive != nil {
		current.IsActive = *patch.IsActive
	}

	toolsCol, err := encodeTools(current.Tools)
	if err != nil {
		return nil, err
	}
	var modelCol sql.NullString
	if current.Model != "" {
		modelCol = sql.NullString{String: current.Model, Valid: true}
	}
	if _, err := r.db.ExecContext(ctx,
		`UPDATE agents SET name = ?, instructions = ?, model = ?, tools = ?, is_active = ?, updated_at = ?
		 WHERE id = ? AND project_id = ? AND deleted_at IS NULL`,
		current.Name, current.Instructions, modelCol, toolsCol, current.IsActive, time.Now().UTC(),
		agentID, projectID,
	); err != nil {
		return nil, fmt.Errorf("update agent: %w", err)
	}
	return r.Get(ctx, projectID, agentID)
}

// SoftDelete marks an agent as deleted. The row stays so it can be restored.
func (r *Registry) SoftDelete(ctx context.Context, projectID, agentID int64) error {
	now := time.Now().UTC()
	res, err := r.db.ExecContext(ctx,
		`UPDATE agents SET deleted_at = ?, updated_at = ? WHERE id = ? AND project_id = ? AND deleted_at IS NULL`,
		now, now, agentID, projectID,
	)
	if err != nil {
		return fmt.Errorf("delete agent: %w", err)
	}
	return expectOneRow(res)
}

// Restore reverses SoftDelete.
func (r *Registry) Restore(ctx context.Context, projectID, agentID int64) (*models.Agent, error) {
	res, err := r.db.ExecContext(ctx,
		`UPDATE agents SET deleted_at = NULL, updated_at = ? WHERE id = ? AND project_id = ? AND deleted_at IS NOT NULL`,
		time.Now().UTC(), agentID, projectID,
	)
	if err != nil {
		return nil, fmt.Errorf("restore agent: %w", err)
	}
	if err := expectOneRow(res); err != nil {
		return nil, err
	}
	return r.Get(ctx, projectID, agentID)
}

func expectOneRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("agent rows affected: %w", err)
	}
	if n == 0 {
		return ErrAgentNotFound
	}
	return nil
}

// encodeTools keeps the nil/empty distinction: NULL means every tool is allowed.
func encodeTools(tools []string) (sql.NullString, error) {
	if tools == nil {
		return sql.NullString{}, nil
	}
	cleaned := make([]string, 0, len(tools))
	for _, t := range tools {
		if t = strings.TrimSpace(t); t != "" {
			cleaned = append(cleaned, t)
		}
	}
	raw, err := json.Marshal(cleaned)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("encode tools: %w", err)
	}
	return sql.NullString{String: string(raw), Valid: true}, nil
}
