package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	"postflow/internal/campaign"
	"postflow/internal/post"
	"postflow/internal/story"
	logx "postflow/pkg/logx"
)

// Store groups the repositories used by the jobs and the admin service.
type Store interface {
	Posts() post.Repository
	Audit() post.AuditLog
	Stories() story.Repository
	Campaigns() campaign.Repository

	PutDedup(ctx context.Context, key string, until time.Time) error
	GetDedup(ctx context.Context, key string) (until time.Time, ok bool, err error)
	Close() error
}

// Open initializes the configured store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "", "memory":
		return NewMemory(), nil
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
