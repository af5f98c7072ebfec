package app

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"permitline/internal/config"
	"permitline/internal/db"
	"permitline/internal/domain"
	"permitline/internal/engine"
	"permitline/internal/migrate"
	"permitline/internal/repo"
)

// Workspace is an opened, migrated and seeded permitline workspace.
type Workspace struct {
	Dir    string
	DB     *sql.DB
	Config *config.Config
	Engine engine.Engine
}

func (w *Workspace) Close() error {
	if w == nil || w.DB == nil {
		return nil
	}
	return w.DB.Close()
}

// Open loads the workspace config (defaults when permitline.yml is absent),
// migrates the store and seeds catalog data from config.
func Open(ctx context.Context, dir string) (*Workspace, error) {
	cfg, err := config.LoadOptional(dir)
	if err != nil {
		return nil, err
	}
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		return nil, err
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, err
	}
	if err := Seed(ctx, repo.Repo{DB: conn}, cfg); err != nil {
		conn.Close()
		return nil, err
	}
	return &Workspace{Dir: dir, DB: conn, Config: cfg, Engine: engine.New(conn, cfg)}, nil
}

// Seed upserts the directory users, group members and asset-details assignments
// named in cfg. Entries already in the store are left in place.
func Seed(ctx context.Context, r repo.Repo, cfg *config.Config) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for _, u := range cfg.Directory.Users {
		email := strings.TrimSpace(u.Email)
		if email == "" {
			continue
		}
		id := uuid.NewString()
		if existing, err := r.GetUserByEmail(ctx, tx, email); err == nil {
			id = existing.ID
		}
		name := u.DisplayName
		if name == "" {
			name = email
		}
		if err := r.UpsertUser(ctx, tx, domain.User{ID: id, Email: email, DisplayName: name}); err != nil {
			return fmt.Errorf("seed user %s: %w", email, err)
		}
	}
	for group, members := range cfg.Directory.Groups {
		for _, email := range members {
			if err := r.AddGroupMember(ctx, tx, group, email); err != nil {
				return fmt.Errorf("seed group %s: %w", group, err)
			}
		}
	}
	for _, a := range cfg.Assets {
		if err := r.UpsertAsset(ctx, tx, a); err != nil {
			return fmt.Errorf("seed asset %s: %w", a.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	log.WithField("users", len(cfg.Directory.Users)).WithField("assets", len(cfg.Assets)).Debug("workspace seeded")
	return nil
}
