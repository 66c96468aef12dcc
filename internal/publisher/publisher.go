// Package publisher implements the per-platform publish adapters.
//
// Every adapter honours the same contract: a disabled adapter returns a
// skipped Result and never an error; failures are *PublishError values whose
// Kind tells the posting job whether a later fire may succeed. Retrying is the
// posting job's business, not the adapter's.
package publisher

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"postflow/internal/post"
	logx "postflow/pkg/logx"
)

const defaultTimeout = 60 * time.Second

// Request is one publish attempt.
type Request struct {
	PostID    string
	MediaPath string
	Caption   string
	Hashtags  []string
}

// Result of a settled attempt. Skipped results carry no media id.
type Result struct {
	MediaID    string
	ShareURL   string
	Skipped    bool
	SkipReason string
}

// Publisher posts media to one platform.
type Publisher interface {
	Platform() post.Platform
	PostVideo(ctx context.Context, req Request) (Result, error)
}

// PlatformConfig configures one adapter.
type PlatformConfig struct {
	Enabled     bool
	BaseURL     string
	AccessToken string
	Timeout     time.Duration
	RatePerSec  float64
}

// Adapter is the HTTP-backed Publisher.
type Adapter struct {
	platform post.Platform
	cfg      PlatformConfig
	limiter  *rate.Limiter
	up       *uploader
	log      logx.Logger
}

// NewAdapter builds the adapter for pl. client may be nil.
func NewAdapter(pl post.Platform, cfg PlatformConfig, client *http.Client, log logx.Logger) *Adapter {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if client == nil {
		client = &http.Client{}
	}
	a := &Adapter{
		platform: pl,
		cfg:      cfg,
		up:       &uploader{platform: pl, baseURL: cfg.BaseURL, token: cfg.AccessToken, client: client},
		log:      log.With(logx.String("comp", "publisher"), logx.String("platform", pl.String())),
	}
	if cfg.RatePerSec > 0 {
		a.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), max(1, int(cfg.RatePerSec)))
	}
	return a
}

func (a *Adapter) Platform() post.Platform { return a.platform }

func (a *Adapter) Enabled() bool { return a.cfg.Enabled }

// PostVideo uploads req.MediaPath with a caption shaped for the platform.
// The attempt is bounded by the adapter timeout.
func (a *Adapter) PostVideo(ctx context.Context, req Request) (Result, error) {
	if !a.cfg.Enabled {
		return Result{Skipped: true, SkipReason: post.SkipDisabled}, nil
	}
	if strings.TrimSpace(req.MediaPath) == "" {
		return Result{}, &PublishError{Platform: a.platform, Kind: KindValidation, Err: errors.New("media path required")}
	}
	ctx, cancel := context.WithTimeout(ctx, a.cfg.Timeout)
	defer cancel()

	if a.limiter != nil {
		if err := a.limiter.Wait(ctx); err != nil {
			return Result{}, &PublishError{Platform: a.platform, Kind: KindTimeout, Err: err}
		}
	}

	caption, tags := Shape(a.platform, req.Caption, req.Hashtags)
	start := time.Now()
	resp, err := a.up.upload(ctx, req.MediaPath, caption, tags)
	if err != nil {
		if ctx.Err() != nil {
			err = &PublishError{Platform: a.platform, Kind: KindTimeout, Err: ctx.Err()}
		}
		a.log.Warn("publish failed", logx.String("post", req.PostID), logx.Duration("took", time.Since(start)), logx.Err(err))
		return Result{}, err
	}
	a.log.Info("published", logx.String("post", req.PostID), logx.String("media_id", resp.ID), logx.Duration("took", time.Since(start)))
	return Result{MediaID: resp.ID, ShareURL: resp.ShareURL}, nil
}

// Registry holds one Publisher per platform and swaps them on config reload.
type Registry struct {
	mu     sync.RWMutex
	pubs   map[post.Platform]Publisher
	client *http.Client
	log    logx.Logger
}

func NewRegistry(cfgs map[post.Platform]PlatformConfig, client *http.Client, log logx.Logger) *Registry {
	r := &Registry{client: client, log: log}
	r.Apply(cfgs)
	return r
}

// Apply rebuilds adapters. Platforms without a config get a disabled adapter.
// In-flight attempts keep the adapter they started with.
func (r *Registry) Apply(cfgs map[post.Platform]PlatformConfig) {
	next := make(map[post.Platform]Publisher, len(post.Platforms()))
	for _, pl := range post.Platforms() {
		next[pl] = NewAdapter(pl, cfgs[pl], r.client, r.log)
	}
	r.mu.Lock()
	r.pubs = next
	r.mu.Unlock()
}

// Set replaces the publisher for one platform.
func (r *Registry) Set(p Publisher) {
	r.mu.Lock()
	defer r.mu.Unlock()
	next := make(map[post.Platform]Publisher, len(r.pubs))
	for k, v := range r.pubs {
		next[k] = v
	}
	next[p.Platform()] = p
	r.pubs = next
}

// Get returns the publisher for pl, or nil for an unknown platform.
func (r *Registry) Get(pl post.Platform) Publisher {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.pubs[pl]
}

// AdapterStatus is the status view of one adapter.
type AdapterStatus struct {
	Platform string `json:"platform"`
	Enabled  bool   `json:"enabled"`
}

func (r *Registry) Status() []AdapterStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]AdapterStatus, 0, len(r.pubs))
	for _, pl := range post.Platforms() {
		st := AdapterStatus{Platform: pl.String(), Enabled: true}
		if a, ok := r.pubs[pl].(interface{ Enabled() bool }); ok {
			st.Enabled = a.Enabled()
		}
		out = append(out, st)
	}
	return out
}
