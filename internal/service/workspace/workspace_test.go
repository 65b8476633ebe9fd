package workspace

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"agentdesk/internal/auth"
	"agentdesk/internal/config"
	"agentdesk/internal/models"
	"agentdesk/internal/storage"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	cfg := &config.Config{
		Databases: map[string]config.DatabaseConfig{
			"sqlite3": {DSN: ":memory:"},
		},
	}
	db, err := storage.Open("sqlite3", cfg)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := storage.Migrate(db, "sqlite3"); err != nil {
		t.Fatalf("migrate db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func newTestService(t *testing.T) (*Service, *sql.DB) {
	t.Helper()
	db := openTestDB(t)
	svc, err := NewService(db, nil)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	return svc, db
}

func TestRegisterAndLogin(t *testing.T) {
	t.Setenv(keySealEnv, "")
	svc, _ := newTestService(t)
	ctx := context.Background()

	user, err := svc.RegisterUser(ctx, " alice ", "s3cret")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if user.Username != "alice" || user.PasswordHash == "s3cret" {
		t.Fatalf("unexpected user: %+v", user)
	}
	if _, err := svc.RegisterUser(ctx, "alice", "other"); !errors.Is(err, ErrUsernameTaken) {
		t.Fatalf("expected ErrUsernameTaken, got %v", err)
	}

	got, err := svc.Login(ctx, "alice", "s3cret")
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if got.ID != user.ID {
		t.Fatalf("login returned user %d, want %d", got.ID, user.ID)
	}
	if _, err := svc.Login(ctx, "alice", "wrong"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
	if _, err := svc.Login(ctx, "nobody", "s3cret"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials for unknown user, got %v", err)
	}
	if _, err := svc.RegisterUser(ctx, "", "x"); !errors.Is(err, ErrCredentialsRequired) {
		t.Fatalf("expected ErrCredentialsRequired, got %v", err)
	}
}

func TestCreateProjectSeedsDefaultAgents(t *testing.T) {
	t.Setenv(keySealEnv, "")
	svc, db := newTestService(t)
	ctx := context.Background()
	owner := insertTestUser(t, db, "owner")
	other := insertTestUser(t, db, "other")

	project, seeded, err := svc.CreateProject(ctx, owner, "Billing revamp")
	if err != nil {
		t.Fatalf("create project: %v", err)
	}
	types := map[models.AgentType]bool{}
	for _, a := range seeded {
		types[a.Type] = true
	}
	for _, want := range []models.AgentType{models.AgentModerator, models.AgentArchitect, models.AgentAnalyst, models.AgentPM, models.AgentTechnical} {
		if !types[want] {
			t.Fatalf("default agent %s not seeded: %+v", want, types)
		}
	}

	if err := svc.OwnsProject(ctx, project.ID, owner); err != nil {
		t.Fatalf("owner check: %v", err)
	}
	if err := svc.OwnsProject(ctx, project.ID, other); !errors.Is(err, auth.ErrProjectNotFound) {
		t.Fatalf("expected ErrProjectNotFound for foreign user, got %v", err)
	}
	if err := svc.OwnsProject(ctx, project.ID+100, owner); !errors.Is(err, auth.ErrProjectNotFound) {
		t.Fatalf("expected ErrProjectNotFound for missing project, got %v", err)
	}

	projects, err := svc.ListProjects(ctx, owner)
	if err != nil {
		t.Fatalf("list projects: %v", err)
	}
	if len(projects) != 1 || projects[0].Name != "Billing revamp" {
		t.Fatalf("unexpected projects: %+v", projects)
	}
	if _, _, err := svc.CreateProject(ctx, owner, "  "); !errors.Is(err, ErrProjectNameRequired) {
		t.Fatalf("expected ErrProjectNameRequired, got %v", err)
	}
}

func TestSetProviderKeyEncryptsData(t *testing.T) {
	t.Setenv(keySealEnv, strings.Repeat("a", 32))
	svc, db := newTestService(t)
	ctx := context.Background()
	projectID := insertTestProject(t, db, insertTestUser(t, db, "alice"))

	if err := svc.SetProviderKey(ctx, projectID, "OpenAI", "secret-key"); err != nil {
		t.Fatalf("set key: %v", err)
	}
	var stored string
	if err := db.QueryRow(`SELECT api_key FROM provider_keys WHERE project_id = ? AND provider = ?`, projectID, "openai").Scan(&stored); err != nil {
		t.Fatalf("query stored key: %v", err)
	}
	if stored == "secret-key" {
		t.Fatalf("key stored in plaintext")
	}
	got, err := svc.ProviderKey(ctx, projectID, "openai")
	if err != nil {
		t.Fatalf("provider key: %v", err)
	}
	if got != "secret-key" {
		t.Fatalf("expected decrypted key, got %q", got)
	}

	if err := svc.SetProviderKey(ctx, projectID, "openai", "rotated"); err != nil {
		t.Fatalf("rotate key: %v", err)
	}
	if got, _ := svc.ProviderKey(ctx, projectID, "openai"); got != "rotated" {
		t.Fatalf("expected rotated key, got %q", got)
	}
	if err := svc.SetProviderKey(ctx, projectID, "mistral", "x"); !errors.Is(err, ErrUnknownProvider) {
		t.Fatalf("expected ErrUnknownProvider, got %v", err)
	}
}

func TestSealedProviderKeyIsBoundToItsProject(t *testing.T) {
	t.Setenv(keySealEnv, strings.Repeat("d", 32))
	svc, db := newTestService(t)
	ctx := context.Background()
	owner := insertTestUser(t, db, "dave")
	source := insertTestProject(t, db, owner)
	target := insertTestProject(t, db, owner)

	if err := svc.SetProviderKey(ctx, source, "openai", "sk-source"); err != nil {
		t.Fatalf("set key: %v", err)
	}
	var stored string
	if err := db.QueryRow(`SELECT api_key FROM provider_keys WHERE project_id = ?`, source).Scan(&stored); err != nil {
		t.Fatalf("query stored key: %v", err)
	}
	if !isSealed(stored) {
		t.Fatalf("expected sealed key, got %q", stored)
	}
	if _, err := db.Exec(`INSERT INTO provider_keys (project_id, provider, api_key, created_at) VALUES (?, ?, ?, ?)`, target, "openai", stored, time.Now()); err != nil {
		t.Fatalf("copy key: %v", err)
	}
	if _, err := svc.ProviderKey(ctx, target, "openai"); !errors.Is(err, errSealedKey) {
		t.Fatalf("expected errSealedKey for a copied key, got %v", err)
	}

	t.Setenv(keySealEnv, "")
	plainSvc, err := NewService(db, nil)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	if _, err := plainSvc.ProviderKey(ctx, source, "openai"); err == nil {
		t.Fatalf("expected an error reading a sealed key without the master key")
	}
}

func TestProviderKeyAllowsLegacyPlaintext(t *testing.T) {
	t.Setenv(keySealEnv, strings.Repeat("b", 32))
	svc, db := newTestService(t)
	projectID := insertTestProject(t, db, insertTestUser(t, db, "bob"))
	if _, err := db.Exec(`INSERT INTO provider_keys (project_id, provider, api_key, created_at) VALUES (?, ?, ?, ?)`, projectID, "claude", "legacy-key", time.Now()); err != nil {
		t.Fatalf("insert legacy key: %v", err)
	}
	got, err := svc.ProviderKey(context.Background(), projectID, "claude")
	if err != nil {
		t.Fatalf("provider key: %v", err)
	}
	if got != "legacy-key" {
		t.Fatalf("expected legacy key, got %q", got)
	}
	if got, _ := svc.ProviderKey(context.Background(), projectID, "gemini"); got != "" {
		t.Fatalf("expected no gemini key, got %q", got)
	}
}

func TestListAndDeleteProviderKeys(t *testing.T) {
	t.Setenv(keySealEnv, strings.Repeat("c", 32))
	svc, db := newTestService(t)
	ctx := context.Background()
	projectID := insertTestProject(t, db, insertTestUser(t, db, "carol"))

	for _, p := range []string{"openai", "gemini"} {
		if err := svc.SetProviderKey(ctx, projectID, p, "key-"+p); err != nil {
			t.Fatalf("set key %s: %v", p, err)
		}
	}
	keys, err := svc.ListProviderKeys(ctx, projectID)
	if err != nil {
		t.Fatalf("list keys: %v", err)
	}
	if len(keys) != 2 {
		t.Fatalf("expected 2 keys, got %d", len(keys))
	}
	if err := svc.DeleteProviderKey(ctx, projectID, "openai"); err != nil {
		t.Fatalf("delete key: %v", err)
	}
	keys, err = svc.ListProviderKeys(ctx, projectID)
	if err != nil {
		t.Fatalf("list keys after delete: %v", err)
	}
	if len(keys) != 1 || keys[0].Provider != "gemini" {
		t.Fatalf("unexpected keys after delete: %+v", keys)
	}
	if err := svc.DeleteProviderKey(ctx, projectID, "openai"); !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("expected sql.ErrNoRows, got %v", err)
	}
}

func TestNewServiceRejectsMalformedKey(t *testing.T) {
	t.Setenv(keySealEnv, "too-short")
	if _, err := NewService(openTestDB(t), nil); err == nil {
		t.Fatalf("expected malformed key error")
	}
}

func TestAttachmentLifecycle(t *testing.T) {
	t.Setenv(keySealEnv, "")
	svc, db := newTestService(t)
	ctx := context.Background()
	userID := insertTestUser(t, db, "dave")
	projectID := insertTestProject(t, db, userID)
	dir := t.TempDir()

	kept, err := svc.SaveAttachment(ctx, projectID, userID, Upload{FileName: "../notes.txt", MimeType: "text/plain", Body: strings.NewReader("hello")}, dir, time.Hour)
	if err != nil {
		t.Fatalf("save attachment: %v", err)
	}
	if kept.FileName != "notes.txt" || kept.Size != 5 {
		t.Fatalf("unexpected attachment: %+v", kept)
	}
	if !strings.HasPrefix(kept.StoredPath, dir) {
		t.Fatalf("attachment stored outside upload dir: %s", kept.StoredPath)
	}
	expired, err := svc.SaveAttachment(ctx, projectID, userID, Upload{FileName: "old.txt", Body: strings.NewReader("bye")}, dir, time.Hour)
	if err != nil {
		t.Fatalf("save attachment: %v", err)
	}
	if _, err := db.Exec(`UPDATE attachments SET expires_at = ? WHERE id = ?`, time.Now().Add(-time.Minute).UTC(), expired.ID); err != nil {
		t.Fatalf("expire attachment: %v", err)
	}

	got, err := svc.AttachmentsByIDs(ctx, projectID, userID, []int64{kept.ID, kept.ID})
	if err != nil {
		t.Fatalf("attachments by ids: %v", err)
	}
	if len(got) != 1 || got[0].ID != kept.ID || got[0].MimeType != "text/plain" {
		t.Fatalf("unexpected attachments: %+v", got)
	}
	if _, err := svc.AttachmentsByIDs(ctx, projectID, userID, []int64{kept.ID, expired.ID}); !errors.Is(err, ErrAttachmentNotFound) {
		t.Fatalf("expected ErrAttachmentNotFound for expired attachment, got %v", err)
	}

	removed, err := svc.CleanupExpiredAttachments(ctx)
	if err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected 1 removed attachment, got %d", removed)
	}
	if _, err := os.Stat(expired.StoredPath); !os.IsNotExist(err) {
		t.Fatalf("expired file still on disk: %v", err)
	}
	if _, err := os.Stat(kept.StoredPath); err != nil {
		t.Fatalf("kept file removed: %v", err)
	}
}

func TestSaveAttachmentRejectsOversizedUpload(t *testing.T) {
	t.Setenv(keySealEnv, "")
	svc, db := newTestService(t)
	userID := insertTestUser(t, db, "erin")
	projectID := insertTestProject(t, db, userID)
	body := strings.NewReader(strings.Repeat("x", MaxAttachmentSize+1))
	_, err := svc.SaveAttachment(context.Background(), projectID, userID, Upload{FileName: "big.bin", Body: body}, t.TempDir(), time.Hour)
	if !errors.Is(err, ErrAttachmentTooLarge) {
		t.Fatalf("expected ErrAttachmentTooLarge, got %v", err)
	}
}

func insertTestUser(t *testing.T, db *sql.DB, username string) int64 {
	t.Helper()
	res, err := db.Exec(`INSERT INTO users (username, password_hash, created_at) VALUES (?, '', ?)`, username, time.Now().UTC())
	if err != nil {
		t.Fatalf("insert user: %v", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		t.Fatalf("user id: %v", err)
	}
	return id
}

func insertTestProject(t *testing.T, db *sql.DB, ownerID int64) int64 {
	t.Helper()
	res, err := db.Exec(`INSERT INTO projects (owner_id, name, created_at) VALUES (?, 'demo', ?)`, ownerID, time.Now().UTC())
	if err != nil {
		t.Fatalf("insert project: %v", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		t.Fatalf("project id: %v", err)
	}
	return id
}
