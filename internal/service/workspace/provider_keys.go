package workspace

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"
)

// ErrUnknownProvider is returned for providers the service cannot call.
var ErrUnknownProvider = errors.New("unknown provider")

var knownProviders = map[string]bool{"openai": true, "claude": true, "gemini": true}

// ProviderKeyInfo describes a stored key without revealing it.
type ProviderKeyInfo struct {
	Provider  string    `json:"provider"`
	CreatedAt time.Time `json:"created_at"`
}

func normalizeProvider(provider string) (string, error) {
	provider = strings.ToLower(strings.TrimSpace(provider))
	if provider == "" {
		return "", errors.New("provider is required")
	}
	if !knownProviders[provider] {
		return "", fmt.Errorf("%w: %s", ErrUnknownProvider, provider)
	}
	return provider, nil
}

// SetProviderKey stores or replaces the API key a project uses for provider.
func (s *Service) SetProviderKey(ctx context.Context, projectID int64, provider, key string) error {
	if projectID <= 0 {
		return errors.New("invalid project id")
	}
	provider, err := normalizeProvider(provider)
	if err != nil {
		return err
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return errors.New("key is required")
	}
	stored := key
	if s.sealer != nil {
		if stored, err = s.sealer.Seal(projectID, provider, key); err != nil {
			return fmt.Errorf("encrypt key: %w", err)
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	res, err := tx.ExecContext(ctx,
		`UPDATE provider_keys SET api_key = ?, created_at = ? WHERE project_id = ? AND provider = ?`,
		stored, now, projectID, provider,
	)
	if err != nil {
		return fmt.Errorf("update key: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO provider_keys (project_id, provider, api_key, created_at) VALUES (?, ?, ?, ?)`,
			projectID, provider, stored, now,
		); err != nil {
			return fmt.Errorf("store key: %w", err)
		}
	}
	return tx.Commit()
}

// ProviderKey returns the project's key for provider, or "" when none is stored.
func (s *Service) ProviderKey(ctx context.Context, projectID int64, provider string) (string, error) {
	provider = strings.ToLower(strings.TrimSpace(provider))
	var stored string
	err := s.db.QueryRowContext(ctx,
		`SELECT api_key FROM provider_keys WHERE project_id = ? AND provider = ?`,
		projectID, provider,
	).Scan(&stored)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("lookup key: %w", err)
	}
	if !isSealed(stored) {
		if s.sealer != nil {
			log.Printf("provider key for project %d/%s is not encrypted", projectID, provider)
		}
		return stored, nil
	}
	if s.sealer == nil {
		return "", fmt.Errorf("provider key for project %d/%s is encrypted but %s is not set", projectID, provider, keySealEnv)
	}
	plain, err := s.sealer.Open(projectID, provider, stored)
	if err != nil {
		return "", fmt.Errorf("provider key for project %d/%s: %w", projectID, provider, err)
	}
	return plain, nil
}

// ListProviderKeys returns which providers have a project key.
func (s *Service) ListProviderKeys(ctx context.Context, projectID int64) ([]ProviderKeyInfo, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT provider, created_at FROM provider_keys WHERE project_id = ? ORDER BY provider`,
		projectID,
	)
	if err != nil {
		return nil, fmt.Errorf("list keys: %w", err)
	}
	defer rows.Close()

	out := []ProviderKeyInfo{}
	for rows.Next() {
		var info ProviderKeyInfo
		if err := rows.Scan(&info.Provider, &info.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan key: %w", err)
		}
		out = append(out, info)
	}
	return out, rows.Err()
}

// DeleteProviderKey removes a project key. It returns sql.ErrNoRows when none was stored.
func (s *Service) DeleteProviderKey(ctx context.Context, projectID int64, provider string) error {
	provider = strings.ToLower(strings.TrimSpace(provider))
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM provider_keys WHERE project_id = ? AND provider = ?`, projectID, provider,
	)
	if err != nil {
		return fmt.Errorf("delete key: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return sql.ErrNoRows
	}
	return nil
}
