package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"postflow/internal/campaign"
	"postflow/internal/post"
	"postflow/internal/story"
	logx "postflow/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

// sqliteStore keeps each entity as a JSON body plus the columns its
// queries filter on.
type sqliteStore struct {
	db  *sql.DB
	log logx.Logger

	opCount    atomic.Uint64
	pruneEvery uint64
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One connection serializes writers and keeps the version check atomic.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log.With(logx.String("comp", "storage")), pruneEvery: 500}

	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	st.log.Info("sqlite store opened", logx.String("path", path))
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) Posts() post.Repository         { return sqlPosts{s} }
func (s *sqliteStore) Audit() post.AuditLog           { return sqlAudit{s} }
func (s *sqliteStore) Stories() story.Repository      { return sqlStories{s} }
func (s *sqliteStore) Campaigns() campaign.Repository { return sqlCampaigns{s} }

func (s *sqliteStore) PutDedup(ctx context.Context, key string, until time.Time) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if key == "" {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO dedup(key, until) VALUES(?,?)
		 ON CONFLICT(key) DO UPDATE SET until=excluded.until`,
		key, until.UnixMilli(),
	)
	if err == nil && s.opCount.Add(1)%s.pruneEvery == 0 {
		pctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		_ = s.pruneExpired(pctx)
		cancel()
	}
	return err
}

func (s *sqliteStore) GetDedup(ctx context.Context, key string) (time.Time, bool, error) {
	if s == nil || s.db == nil {
		return time.Time{}, false, ErrDisabled
	}
	if key == "" {
		return time.Time{}, false, nil
	}
	var ms int64
	err := s.db.QueryRowContext(ctx, `SELECT until FROM dedup WHERE key = ?`, key).Scan(&ms)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return time.UnixMilli(ms), true, nil
}

func (s *sqliteStore) pruneExpired(ctx context.Context) error {
	now := time.Now().UnixMilli()
	_, err := s.db.ExecContext(ctx, `DELETE FROM dedup WHERE until < ?`, now)
	return err
}

// ---- posts ----

type sqlPosts struct{ s *sqliteStore }

func (r sqlPosts) Get(ctx context.Context, id string) (*post.ContentPost, error) {
	var body string
	err := r.s.db.QueryRowContext(ctx, `SELECT body FROM posts WHERE id = ?`, id).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("post %s: %w", id, post.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return decodePost(body)
}

func (r sqlPosts) Create(ctx context.Context, p *post.ContentPost) error {
	p.Version = 1
	body, err := json.Marshal(p)
	if err != nil {
		p.Version = 0
		return err
	}
	_, err = r.s.db.ExecContext(ctx,
		`INSERT INTO posts(id, story_id, status, scheduled_at, version, updated_at, body) VALUES(?,?,?,?,?,?,?)`,
		p.ID, nullStr(p.StoryID), string(p.Status), nullTime(p.ScheduledAt), p.Version, p.UpdatedAt.UnixMilli(), string(body),
	)
	if err != nil {
		p.Version = 0
		return fmt.Errorf("insert post %s: %w", p.ID, err)
	}
	return nil
}

// Save writes p if the stored version still equals p.Version.
func (r sqlPosts) Save(ctx context.Context, p *post.ContentPost) error {
	prev := p.Version
	p.Version = prev + 1
	body, err := json.Marshal(p)
	if err != nil {
		p.Version = prev
		return err
	}
	res, err := r.s.db.ExecContext(ctx,
		`UPDATE posts SET story_id=?, status=?, scheduled_at=?, version=?, updated_at=?, body=?
		 WHERE id=? AND version=?`,
		nullStr(p.StoryID), string(p.Status), nullTime(p.ScheduledAt), p.Version, p.UpdatedAt.UnixMilli(), string(body),
		p.ID, prev,
	)
	if err != nil {
		p.Version = prev
		return err
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}
	p.Version = prev
	var one int
	err = r.s.db.QueryRowContext(ctx, `SELECT 1 FROM posts WHERE id = ?`, p.ID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("post %s: %w", p.ID, post.ErrNotFound)
	}
	if err != nil {
		return err
	}
	return post.ErrConflict
}

func (r sqlPosts) FindDueForPosting(ctx context.Context, now time.Time) ([]*post.ContentPost, error) {
	out, err := r.query(ctx,
		`SELECT body FROM posts WHERE status = ? AND scheduled_at IS NOT NULL AND scheduled_at <= ?
		 ORDER BY scheduled_at, id`,
		string(post.StatusScheduled), now.UnixMilli())
	if err != nil {
		return nil, err
	}
	// The column is millisecond precision; the body is exact.
	kept := out[:0]
	for _, p := range out {
		if !p.ScheduledAt.After(now) {
			kept = append(kept, p)
		}
	}
	return kept, nil
}

func (r sqlPosts) FindByStatus(ctx context.Context, statuses ...post.Status) ([]*post.ContentPost, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	args := make([]any, len(statuses))
	for i, st := range statuses {
		args[i] = string(st)
	}
	q := `SELECT body FROM posts WHERE status IN (?` + strings.Repeat(",?", len(statuses)-1) + `)
		 ORDER BY COALESCE(scheduled_at, 0), id`
	return r.query(ctx, q, args...)
}

func (r sqlPosts) HasPostForStory(ctx context.Context, storyID string) (bool, error) {
	var one int
	err := r.s.db.QueryRowContext(ctx, `SELECT 1 FROM posts WHERE story_id = ? LIMIT 1`, storyID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

func (r sqlPosts) query(ctx context.Context, q string, args ...any) ([]*post.ContentPost, error) {
	rows, err := r.s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*post.ContentPost
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		p, err := decodePost(body)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func decodePost(body string) (*post.ContentPost, error) {
	var p post.ContentPost
	if err := json.Unmarshal([]byte(body), &p); err != nil {
		return nil, fmt.Errorf("decode post: %w", err)
	}
	return &p, nil
}

// ---- audit ----

type sqlAudit struct{ s *sqliteStore }

func (r sqlAudit) Append(ctx context.Context, e post.AuditEntry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := r.s.db.ExecContext(ctx,
		`INSERT INTO audit(post_id, action, from_status, to_status, detail, at) VALUES(?,?,?,?,?,?)`,
		e.PostID, e.Action, nullStr(string(e.From)), nullStr(string(e.To)), nullStr(e.Detail), e.At.UnixMilli(),
	)
	return err
}

func (r sqlAudit) ForPost(ctx context.Context, postID string) ([]post.AuditEntry, error) {
	rows, err := r.s.db.QueryContext(ctx,
		`SELECT action, COALESCE(from_status,''), COALESCE(to_status,''), COALESCE(detail,''), at
		 FROM audit WHERE post_id = ? ORDER BY id`, postID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []post.AuditEntry
	for rows.Next() {
		var (
			e        post.AuditEntry
			from, to string
			at       int64
		)
		if err := rows.Scan(&e.Action, &from, &to, &e.Detail, &at); err != nil {
			return nil, err
		}
		e.PostID = postID
		e.From, e.To = post.Status(from), post.Status(to)
		e.At = time.UnixMilli(at)
		out = append(out, e)
	}
	return out, rows.Err()
}

// ---- stories ----

type sqlStories struct{ s *sqliteStore }

// FindEligible loads candidates ordered by id and applies the selection
// policy in Go so both drivers order identically.
func (r sqlStories) FindEligible(ctx context.Context, f story.Filters, exclude story.IDSet) ([]story.Story, error) {
	rows, err := r.s.db.QueryContext(ctx,
		`SELECT body FROM stories WHERE id NOT IN (SELECT story_id FROM blacklist) ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var all []story.Story
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		var st story.Story
		if err := json.Unmarshal([]byte(body), &st); err != nil {
			return nil, fmt.Errorf("decode story: %w", err)
		}
		all = append(all, st)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return story.Select(all, f, exclude), nil
}

func (r sqlStories) BlacklistedIDs(ctx context.Context) (story.IDSet, error) {
	rows, err := r.s.db.QueryContext(ctx, `SELECT story_id FROM blacklist`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := story.IDSet{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out[id] = struct{}{}
	}
	return out, rows.Err()
}

func (r sqlStories) Put(ctx context.Context, st story.Story) error {
	body, err := json.Marshal(st)
	if err != nil {
		return err
	}
	_, err = r.s.db.ExecContext(ctx,
		`INSERT INTO stories(id, created_at, body) VALUES(?,?,?)
		 ON CONFLICT(id) DO UPDATE SET created_at=excluded.created_at, body=excluded.body`,
		st.ID, st.CreatedAt.UnixMilli(), string(body))
	return err
}

func (r sqlStories) Blacklist(ctx context.Context, id, reason string) error {
	_, err := r.s.db.ExecContext(ctx,
		`INSERT INTO blacklist(story_id, reason, at) VALUES(?,?,?)
		 ON CONFLICT(story_id) DO UPDATE SET reason=excluded.reason`,
		id, nullStr(reason), time.Now().UnixMilli())
	return err
}

// ---- campaigns ----

type sqlCampaigns struct{ s *sqliteStore }

func (r sqlCampaigns) ActiveBudgets(ctx context.Context, now time.Time) ([]campaign.Budget, error) {
	ms := now.UnixMilli()
	rows, err := r.s.db.QueryContext(ctx,
		`SELECT body FROM budgets WHERE period_start <= ? AND (period_end IS NULL OR period_end > ?) ORDER BY id`, ms, ms)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []campaign.Budget
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		var b campaign.Budget
		if err := json.Unmarshal([]byte(body), &b); err != nil {
			return nil, fmt.Errorf("decode budget: %w", err)
		}
		if b.Active(now) {
			out = append(out, b)
		}
	}
	return out, rows.Err()
}

func (r sqlCampaigns) SaveBudget(ctx context.Context, b campaign.Budget) error {
	body, err := json.Marshal(b)
	if err != nil {
		return err
	}
	_, err = r.s.db.ExecContext(ctx,
		`INSERT INTO budgets(id, period_start, period_end, body) VALUES(?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET period_start=excluded.period_start, period_end=excluded.period_end, body=excluded.body`,
		b.ID, b.PeriodStart.UnixMilli(), nullTime(b.PeriodEnd), string(body))
	return err
}

func (r sqlCampaigns) RunningABTests(ctx context.Context) ([]campaign.ABTest, error) {
	rows, err := r.s.db.QueryContext(ctx, `SELECT body FROM ab_tests WHERE status = ? ORDER BY id`, string(campaign.TestRunning))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []campaign.ABTest
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		var t campaign.ABTest
		if err := json.Unmarshal([]byte(body), &t); err != nil {
			return nil, fmt.Errorf("decode ab test: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (r sqlCampaigns) SaveABTest(ctx context.Context, t campaign.ABTest) error {
	body, err := json.Marshal(t)
	if err != nil {
		return err
	}
	_, err = r.s.db.ExecContext(ctx,
		`INSERT INTO ab_tests(id, status, body) VALUES(?,?,?)
		 ON CONFLICT(id) DO UPDATE SET status=excluded.status, body=excluded.body`,
		t.ID, string(t.Status), string(body))
	return err
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UnixMilli()
}
