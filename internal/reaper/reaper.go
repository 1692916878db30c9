// Package reaper polls the workspace host for running workspaces and
// stops those idle beyond a configurable threshold. Grace periods, owner
// exclusions, and a dry-run mode guard against unwanted stops; every
// decision lands in a bounded recent-actions log served by /status.
package reaper

import (
	"context"
	"log"
	"math"
	"sync"
	"time"

	"github.com/devplane/backend/internal/coder"
)

// maxRecentActions bounds the recent-actions log; the oldest entry is
// evicted first.
const maxRecentActions = 50

// Config are the classification knobs.
type Config struct {
	IdleTimeout    time.Duration `json:"-"`
	CheckInterval  time.Duration `json:"-"`
	GracePeriod    time.Duration `json:"-"`
	DryRun         bool          `json:"dry_run"`
	ExcludedOwners []string      `json:"excluded_owners"`

	// Minute/second views for the /config endpoint.
	IdleTimeoutMinutes   float64 `json:"idle_timeout_minutes"`
	CheckIntervalSeconds float64 `json:"check_interval_seconds"`
	GracePeriodMinutes   float64 `json:"grace_period_minutes"`
}

func (c *Config) fillViews() {
	c.IdleTimeoutMinutes = c.IdleTimeout.Minutes()
	c.CheckIntervalSeconds = c.CheckInterval.Seconds()
	c.GracePeriodMinutes = c.GracePeriod.Minutes()
}

// Action is one stop decision (taken or simulated).
type Action struct {
	Timestamp     time.Time `json:"timestamp"`
	WorkspaceID   string    `json:"workspace_id"`
	WorkspaceName string    `json:"workspace_name"`
	Owner         string    `json:"owner"`
	IdleMinutes   float64   `json:"idle_minutes"`
	DryRun        bool      `json:"dry_run"`
	Action        string    `json:"action"` // stop | would_stop | stop_failed
	Error         string    `json:"error,omitempty"`
}

// IdleWorkspace is one entry of the current idle snapshot.
type IdleWorkspace struct {
	ID          string  `json:"id"`
	Name        string  `json:"name"`
	Owner       string  `json:"owner"`
	IdleMinutes float64 `json:"idle_minutes"`
	LastUsedAt  string  `json:"last_used_at"`
}

// State is the process-lifetime reaper state, mutated only by the reaper
// loop and read by the HTTP handlers.
type State struct {
	StartedAt      time.Time       `json:"started_at"`
	LastCheck      *time.Time      `json:"last_check"`
	TotalChecks    int             `json:"total_checks"`
	TotalStops     int             `json:"total_stops"`
	RecentActions  []Action        `json:"recent_actions"`
	IdleWorkspaces []IdleWorkspace `json:"idle_workspaces"`
	Config         Config          `json:"config"`
}

// Reaper runs the idle-check loop against the workspace host.
type Reaper struct {
	client *coder.Client
	cfg    Config
	logger *log.Logger

	excluded map[string]bool

	// The loop is the only writer; HTTP handlers read via Snapshot.
	mu    sync.RWMutex
	state State
}

// New creates a reaper. The loop does not start until Run is called.
func New(client *coder.Client, cfg Config) *Reaper {
	cfg.fillViews()
	excluded := make(map[string]bool, len(cfg.ExcludedOwners))
	for _, owner := range cfg.ExcludedOwners {
		excluded[owner] = true
	}
	return &Reaper{
		client:   client,
		cfg:      cfg,
		logger:   log.New(log.Writer(), "[REAPER] ", log.LstdFlags),
		excluded: excluded,
		state: State{
			StartedAt: time.Now().UTC(),
			Config:    cfg,
		},
	}
}

// Healthy reports whether the reaper can operate (a session token is
// configured).
func (r *Reaper) Healthy() bool { return r.client.HasToken() }

// DryRun reports the configured mode.
func (r *Reaper) DryRun() bool { return r.cfg.DryRun }

// Snapshot returns a consistent copy of the reaper state.
func (r *Reaper) Snapshot() State {
	r.mu.RLock()
	defer r.mu.RUnlock()

	snap := r.state
	snap.RecentActions = append([]Action(nil), r.state.RecentActions...)
	snap.IdleWorkspaces = append([]IdleWorkspace(nil), r.state.IdleWorkspaces...)
	return snap
}

func (r *Reaper) mutate(fn func(*State)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fn(&r.state)
}

// Run executes the check loop until ctx is cancelled. With no session
// token the loop refuses to run (health reports unhealthy) but the
// process stays alive so the health endpoint can say so.
func (r *Reaper) Run(ctx context.Context) {
	if !r.client.HasToken() {
		r.logger.Printf("❌ CODER_SESSION_TOKEN is not set; refusing to reap. Health reports unhealthy.")
		<-ctx.Done()
		return
	}

	r.logger.Printf("🚀 Idle reaper started: timeout=%s interval=%s grace=%s dry_run=%v excluded=%v host=%s",
		r.cfg.IdleTimeout, r.cfg.CheckInterval, r.cfg.GracePeriod,
		r.cfg.DryRun, r.cfg.ExcludedOwners, r.client.BaseURL())

	ticker := time.NewTicker(r.cfg.CheckInterval)
	defer ticker.Stop()

	// One tick is always in flight at most; the first runs immediately.
	r.checkOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.checkOnce(ctx)
		}
	}
}

// checkOnce is one full tick: fetch, classify everything, then act. The
// classification pass completes before any stop is issued.
func (r *Reaper) checkOnce(ctx context.Context) {
	now := time.Now().UTC()
	r.mutate(func(s *State) {
		s.LastCheck = &now
		s.TotalChecks++
	})

	running, err := r.client.ListRunningWorkspaces(ctx)
	if err != nil {
		r.logger.Printf("❌ Failed to fetch workspaces from host: %v", err)
		return
	}
	r.logger.Printf("Workspace check cycle: running=%d", len(running))

	idle := r.classify(now, running)
	r.mutate(func(s *State) {
		s.IdleWorkspaces = append([]IdleWorkspace(nil), idle...)
	})

	if len(idle) == 0 {
		r.logger.Printf("No idle workspaces found")
		return
	}
	r.logger.Printf("Idle workspaces detected: count=%d dry_run=%v", len(idle), r.cfg.DryRun)

	for _, ws := range idle {
		r.act(ctx, now, ws)
	}
}

// classify applies the idle rules to every running workspace:
// excluded owner → skip; within grace of the latest build → skip; no
// usable timestamp → skip; otherwise idle when the duration since
// last_used_at (or the build creation as fallback) reaches the timeout.
func (r *Reaper) classify(now time.Time, running []coder.Workspace) []IdleWorkspace {
	var idle []IdleWorkspace
	for _, ws := range running {
		if r.excluded[ws.OwnerName] {
			continue
		}

		buildCreated := ws.LatestBuild.CreatedAt
		if buildCreated != nil && now.Sub(*buildCreated) < r.cfg.GracePeriod {
			continue
		}

		var idleFor time.Duration
		switch {
		case ws.LastUsedAt != nil:
			idleFor = now.Sub(*ws.LastUsedAt)
		case buildCreated != nil:
			idleFor = now.Sub(*buildCreated)
		default:
			continue
		}

		if idleFor >= r.cfg.IdleTimeout {
			lastUsed := ""
			if ws.LastUsedAt != nil {
				lastUsed = ws.LastUsedAt.Format(time.RFC3339)
			}
			idle = append(idle, IdleWorkspace{
				ID:          ws.ID,
				Name:        ws.Name,
				Owner:       ws.OwnerName,
				IdleMinutes: math.Round(idleFor.Minutes()*10) / 10,
				LastUsedAt:  lastUsed,
			})
		}
	}
	return idle
}

// act stops one idle workspace, or logs the decision in dry-run mode.
func (r *Reaper) act(ctx context.Context, now time.Time, ws IdleWorkspace) {
	action := Action{
		Timestamp:     now,
		WorkspaceID:   ws.ID,
		WorkspaceName: ws.Name,
		Owner:         ws.Owner,
		IdleMinutes:   ws.IdleMinutes,
		DryRun:        r.cfg.DryRun,
		Action:        "stop",
	}

	if r.cfg.DryRun {
		action.Action = "would_stop"
		r.logger.Printf("[DRY-RUN] Would stop workspace '%s' (owner=%s, idle=%.1fm)",
			ws.Name, ws.Owner, ws.IdleMinutes)
		r.appendAction(action)
		return
	}

	if err := r.client.StopWorkspace(ctx, ws.ID); err != nil {
		action.Action = "stop_failed"
		action.Error = err.Error()
		r.logger.Printf("❌ Failed to stop workspace '%s': %v", ws.Name, err)
		r.appendAction(action)
		return
	}

	r.mutate(func(s *State) { s.TotalStops++ })
	r.logger.Printf("🛑 Stopped workspace '%s' (owner=%s, idle=%.1fm)", ws.Name, ws.Owner, ws.IdleMinutes)
	r.appendAction(action)
}

func (r *Reaper) appendAction(action Action) {
	r.mutate(func(s *State) {
		s.RecentActions = append(s.RecentActions, action)
		if len(s.RecentActions) > maxRecentActions {
			s.RecentActions = s.RecentActions[len(s.RecentActions)-maxRecentActions:]
		}
	})
}
