package workspace

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"agentdesk/internal/models"
)

const (
	DefaultAttachmentTTL   = 24 * time.Hour
	DefaultCleanupInterval = time.Hour
	MaxAttachmentSize      = 10 << 20
)

var (
	ErrAttachmentNotFound = errors.New("attachment not found")
	ErrAttachmentTooLarge = fmt.Errorf("attachment exceeds %d bytes", MaxAttachmentSize)
)

// Upload is a file received from a client.
type Upload struct {
	FileName string
	MimeType string
	Body     io.Reader
}

// SaveAttachment writes the upload below dir and records it for ttl.
func (s *Service) SaveAttachment(ctx context.Context, projectID, userID int64, up Upload, dir string, ttl time.Duration) (*models.Attachment, error) {
	if projectID <= 0 || userID <= 0 {
		return nil, errors.New("project and user are required")
	}
	name := filepath.Base(strings.TrimSpace(up.FileName))
	if name == "" || name == "." || name == string(filepath.Separator) {
		return nil, errors.New("file name is required")
	}
	if ttl <= 0 {
		ttl = DefaultAttachmentTTL
	}
	mimeType := strings.TrimSpace(up.MimeType)
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}

	target := filepath.Join(dir, fmt.Sprint(projectID))
	if err := os.MkdirAll(target, 0o755); err != nil {
		return nil, fmt.Errorf("create upload dir: %w", err)
	}
	storedPath := filepath.Join(target, uuid.NewString()+filepath.Ext(name))
	f, err := os.Create(storedPath)
	if err != nil {
		return nil, fmt.Errorf("create upload: %w", err)
	}
	size, err := io.Copy(f, io.LimitReader(up.Body, MaxAttachmentSize+1))
	closeErr := f.Close()
	if err == nil {
		err = closeErr
	}
	if err == nil && size > MaxAttachmentSize {
		err = ErrAttachmentTooLarge
	}
	if err != nil {
		os.Remove(storedPath)
		if errors.Is(err, ErrAttachmentTooLarge) {
			return nil, err
		}
		return nil, fmt.Errorf("write upload: %w", err)
	}

	now := time.Now().UTC()
	att := &models.Attachment{
		ProjectID:  projectID,
		UserID:     userID,
		FileName:   name,
		StoredPath: storedPath,
		MimeType:   mimeType,
		Size:       size,
		CreatedAt:  now,
		ExpiresAt:  now.Add(ttl),
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO attachments (project_id, user_id, file_name, stored_path, mime_type, size, created_at, expires_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		att.ProjectID, att.UserID, att.FileName, att.StoredPath, att.MimeType, att.Size, att.CreatedAt, att.ExpiresAt,
	)
	if err != nil {
		os.Remove(storedPath)
		return nil, fmt.Errorf("record attachment: %w", err)
	}
	if att.ID, err = res.LastInsertId(); err != nil {
		return nil, fmt.Errorf("attachment id: %w", err)
	}
	return att, nil
}

// AttachmentsByIDs returns the unexpired attachments of a user in the order
// of ids. Any id that is missing, foreign or expired fails the whole lookup.
func (s *Service) AttachmentsByIDs(ctx context.Context, projectID, userID int64, ids []int64) ([]models.Attachment, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := []any{projectID, userID, time.Now().UTC()}
	for _, id := range ids {
		args = append(args, id)
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, project_id, user_id, file_name, stored_path, mime_type, size, created_at, expires_at
		 FROM attachments WHERE project_id = ? AND user_id = ? AND expires_at > ? AND id IN (`+placeholders+`)`,
		args...,
	)
	if err != nil {
		return nil, fmt.Errorf("query attachments: %w", err)
	}
	defer rows.Close()

	found := make(map[int64]models.Attachment, len(ids))
	for rows.Next() {
		var a models.Attachment
		if err := rows.Scan(&a.ID, &a.ProjectID, &a.UserID, &a.FileName, &a.StoredPath, &a.MimeType, &a.Size, &a.CreatedAt, &a.ExpiresAt); err != nil {
			return nil, fmt.Errorf("scan attachment: %w", err)
		}
		found[a.ID] = a
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]models.Attachment, 0, len(ids))
	seen := make(map[int64]bool, len(ids))
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		a, ok := found[id]
		if !ok {
			return nil, fmt.Errorf("%w: %d", ErrAttachmentNotFound, id)
		}
		out = append(out, a)
	}
	return out, nil
}

// StorageUsage sums the bytes of a user's unexpired attachments.
func (s *Service) StorageUsage(ctx context.Context, userID int64) (int64, error) {
	var total sql.NullInt64
	if err := s.db.QueryRowContext(ctx,
		`SELECT SUM(size) FROM attachments WHERE user_id = ? AND expires_at > ?`, userID, time.Now().UTC(),
	).Scan(&total); err != nil {
		return 0, fmt.Errorf("storage usage: %w", err)
	}
	return total.Int64, nil
}
