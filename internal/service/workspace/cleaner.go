package workspace

import (
	"context"
	"log"
	"os"
	"path/filepath"
	"time"
)

// PurgeFunc removes expired rows of some other store and reports how many.
type PurgeFunc func(ctx context.Context) (int64, error)

// StartCleaner periodically deletes expired attachments and runs extra purges
// (expired auth tokens) until ctx is done.
func (s *Service) StartCleaner(ctx context.Context, interval time.Duration, extra ...PurgeFunc) {
	if interval <= 0 {
		interval = DefaultCleanupInterval
	}
	go s.cleanupLoop(ctx, interval, extra)
}

func (s *Service) cleanupLoop(ctx context.Context, interval time.Duration, extra []PurgeFunc) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.CleanupExpiredAttachments(ctx); err != nil {
				log.Printf("cleanup attachments error: %v", err)
			}
			for _, purge := range extra {
				if n, err := purge(ctx); err != nil {
					log.Printf("cleanup error: %v", err)
				} else if n > 0 {
					log.Printf("cleanup removed %d expired rows", n)
				}
			}
		}
	}
}

// CleanupExpiredAttachments deletes expired attachment files and their rows.
func (s *Service) CleanupExpiredAttachments(ctx context.Context) (int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, stored_path FROM attachments WHERE expires_at <= ?`, time.Now().UTC())
	if err != nil {
		return 0, err
	}
	type fileRow struct {
		id   int64
		path string
	}
	var files []fileRow
	for rows.Next() {
		var fr fileRow
		if err := rows.Scan(&fr.id, &fr.path); err != nil {
			rows.Close()
			return 0, err
		}
		files = append(files, fr)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	removed := 0
	for _, f := range files {
		if err := os.Remove(f.path); err != nil && !os.IsNotExist(err) {
			log.Printf("remove attachment %s failed: %v", f.path, err)
			continue
		}
		if _, err := s.db.ExecContext(ctx, `DELETE FROM attachments WHERE id = ?`, f.id); err != nil {
			log.Printf("delete attachment record %d failed: %v", f.id, err)
			continue
		}
		removed++
		// prune empty project directories
		_ = os.Remove(filepath.Dir(f.path))
	}
	return removed, nil
}
