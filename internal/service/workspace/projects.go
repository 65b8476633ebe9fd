package workspace

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"agentdesk/internal/auth"
	"agentdesk/internal/models"
)

var ErrProjectNameRequired = errors.New("project name is required")

// CreateProject inserts a project owned by ownerID and seeds its default agents.
func (s *Service) CreateProject(ctx context.Context, ownerID int64, name string) (*models.Project, []*models.Agent, error) {
	if ownerID <= 0 {
		return nil, nil, errors.New("owner_id is required")
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, nil, ErrProjectNameRequired
	}
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO projects (owner_id, name, created_at) VALUES (?, ?, ?)`,
		ownerID, name, now,
	)
	if err != nil {
		return nil, nil, fmt.Errorf("create project: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, nil, fmt.Errorf("project id: %w", err)
	}

	seeded, err := s.agents.SeedDefaults(ctx, id)
	if err != nil {
		if _, delErr := s.db.ExecContext(context.WithoutCancel(ctx), `DELETE FROM projects WHERE id = ?`, id); delErr != nil {
			log.Printf("rollback project %d failed: %v", id, delErr)
		}
		return nil, nil, fmt.Errorf("seed agents: %w", err)
	}
	return &models.Project{ID: id, OwnerID: ownerID, Name: name, CreatedAt: now}, seeded, nil
}

// ListProjects returns the projects owned by a user, newest first.
func (s *Service) ListProjects(ctx context.Context, ownerID int64) ([]models.Project, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, owner_id, name, created_at FROM projects WHERE owner_id = ? ORDER BY id DESC`,
		ownerID,
	)
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	defer rows.Close()

	projects := []models.Project{}
	for rows.Next() {
		var p models.Project
		if err := rows.Scan(&p.ID, &p.OwnerID, &p.Name, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan project: %w", err)
		}
		projects = append(projects, p)
	}
	return projects, rows.Err()
}

// OwnsProject reports auth.ErrProjectNotFound unless userID owns projectID.
// Foreign projects look missing so their existence is not disclosed.
func (s *Service) OwnsProject(ctx context.Context, projectID, userID int64) error {
	var ownerID int64
	err := s.db.QueryRowContext(ctx, `SELECT owner_id FROM projects WHERE id = ?`, projectID).Scan(&ownerID)
	if errors.Is(err, sql.ErrNoRows) {
		return auth.ErrProjectNotFound
	}
	if err != nil {
		return fmt.Errorf("lookup project: %w", err)
	}
	if ownerID != userID {
		return auth.ErrProjectNotFound
	}
	return nil
}
