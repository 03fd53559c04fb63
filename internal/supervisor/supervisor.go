// Package supervisor keeps the table of live upstream MCP sessions: lazy
// start on first use, coalesced start attempts, idle eviction and explicit
// lifecycle operations.
package supervisor

import (
	"context"
	"log"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/jamaly87/mcp-router/internal/mcpclient"
	"github.com/jamaly87/mcp-router/internal/models"
	"github.com/jamaly87/mcp-router/pkg/config"
)

const (
	sweepInterval = 30 * time.Second
	drainGrace    = 10 * time.Second
	drainPoll     = 100 * time.Millisecond
)

// Session is the slice of an upstream client the supervisor needs.
type Session interface {
	ListTools(ctx context.Context) ([]models.ToolSpec, error)
	CallTool(ctx context.Context, name string, args map[string]any) ([]models.RawContentPart, error)
	Shutdown() error
}

// Factory starts a new session for a server. The callback fires when the
// session's child process dies unexpectedly.
type Factory func(ctx context.Context, cfg *config.ServerConfig, onTerminated mcpclient.TerminationCallback) (Session, error)

// DefaultFactory spawns real stdio MCP sessions.
func DefaultFactory(ctx context.Context, cfg *config.ServerConfig, onTerminated mcpclient.TerminationCallback) (Session, error) {
	return mcpclient.Start(ctx, cfg, onTerminated)
}

type running struct {
	name       string
	session    Session
	state      models.ServerState
	startedAt  time.Time
	lastUsedAt time.Time
	inFlight   int
}

// Supervisor owns the running-server table. The table mutex is never held
// across session start or shutdown work.
type Supervisor struct {
	servers  *config.ServersConfig
	factory  Factory
	idleTTL  time.Duration
	callTime time.Duration

	mu    sync.Mutex
	table map[string]*running

	starts singleflight.Group

	stopSweep chan struct{}
	sweepDone chan struct{}
}

// New builds a supervisor over the configured servers.
func New(servers *config.ServersConfig, factory Factory, idleTTL, callTimeout time.Duration) *Supervisor {
	if factory == nil {
		factory = DefaultFactory
	}
	s := &Supervisor{
		servers:   servers,
		factory:   factory,
		idleTTL:   idleTTL,
		callTime:  callTimeout,
		table:     make(map[string]*running),
		stopSweep: make(chan struct{}),
		sweepDone: make(chan struct{}),
	}
	go s.sweep()
	return s
}

// Lease is a borrowed session. Release must be called exactly once after the
// call it was acquired for. It holds the table entry it was minted from, so
// releasing always drains the same generation it was acquired against even if
// the table slot has since been replaced.
type Lease struct {
	sup     *Supervisor
	entry   *running
	Session Session
}

// Release returns the lease, updating usage accounting.
func (l *Lease) Release() {
	l.sup.mu.Lock()
	defer l.sup.mu.Unlock()
	l.entry.inFlight--
	l.entry.lastUsedAt = time.Now()
}

// Acquire returns a READY session for serverName, starting one on demand.
// Concurrent acquires for the same server coalesce onto a single start.
func (s *Supervisor) Acquire(ctx context.Context, serverName string) (*Lease, error) {
	cfg, ok := s.servers.Get(serverName)
	if !ok {
		return nil, models.NewError(models.KindUnknownServer, "server %q is not configured", serverName)
	}

	for {
		s.mu.Lock()
		if entry, ok := s.table[serverName]; ok && entry.state == models.StateReady {
			entry.inFlight++
			entry.lastUsedAt = time.Now()
			lease := &Lease{sup: s, entry: entry, Session: entry.session}
			s.mu.Unlock()
			return lease, nil
		}
		s.mu.Unlock()

		if _, err, _ := s.starts.Do(serverName, func() (any, error) {
			return nil, s.start(ctx, cfg)
		}); err != nil {
			return nil, err
		}
		// Loop: the started entry may already have been evicted or crashed.
		select {
		case <-ctx.Done():
			return nil, models.WrapError(models.KindTimeout, ctx.Err(), "acquire of %q cancelled", serverName)
		default:
		}
	}
}

// Start explicitly launches a server session, for manage_server(start).
func (s *Supervisor) Start(ctx context.Context, serverName string) (models.ServerState, error) {
	cfg, ok := s.servers.Get(serverName)
	if !ok {
		return "", models.NewError(models.KindUnknownServer, "server %q is not configured", serverName)
	}

	s.mu.Lock()
	if entry, ok := s.table[serverName]; ok && entry.state == models.StateReady {
		s.mu.Unlock()
		return models.StateReady, nil
	}
	s.mu.Unlock()

	if _, err, _ := s.starts.Do(serverName, func() (any, error) {
		return nil, s.start(ctx, cfg)
	}); err != nil {
		return models.StateFailed, err
	}
	return models.StateReady, nil
}

// start creates the table entry in STARTING, runs the factory off the lock
// and promotes to READY. Failures remove the entry.
func (s *Supervisor) start(ctx context.Context, cfg *config.ServerConfig) error {
	now := time.Now()
	s.mu.Lock()
	if entry, ok := s.table[cfg.Name]; ok {
		if entry.state == models.StateReady {
			s.mu.Unlock()
			return nil
		}
		if entry.state == models.StateStopping {
			// A shutdown is draining this slot. Starting a replacement now
			// would orphan it from the drain loop, so refuse instead.
			s.mu.Unlock()
			return models.NewError(models.KindServerUnavailable,
				"server %q is shutting down, retry once it has stopped", cfg.Name)
		}
	}
	s.table[cfg.Name] = &running{
		name:       cfg.Name,
		state:      models.StateStarting,
		startedAt:  now,
		lastUsedAt: now,
	}
	s.mu.Unlock()

	log.Printf("Server %q: STARTING", cfg.Name)
	session, err := s.factory(ctx, cfg, s.handleTermination)

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		delete(s.table, cfg.Name)
		log.Printf("Server %q: FAILED to start: %v", cfg.Name, err)
		return err
	}
	entry := s.table[cfg.Name]
	if entry == nil {
		// Evicted while starting; shut the fresh session down again.
		go func() { _ = session.Shutdown() }()
		return models.NewError(models.KindServerUnavailable, "server %q was stopped during startup", cfg.Name)
	}
	entry.session = session
	entry.state = models.StateReady
	log.Printf("Server %q: READY", cfg.Name)
	return nil
}

// Shutdown stops a server, draining in-flight calls up to a grace deadline.
func (s *Supervisor) Shutdown(serverName string) (models.ServerState, error) {
	s.mu.Lock()
	entry, ok := s.table[serverName]
	if !ok {
		s.mu.Unlock()
		if _, configured := s.servers.Get(serverName); !configured {
			return "", models.NewError(models.KindUnknownServer, "server %q is not configured", serverName)
		}
		return "", nil // already absent
	}
	entry.state = models.StateStopping
	session := entry.session
	s.mu.Unlock()

	log.Printf("Server %q: STOPPING", serverName)
	deadline := time.Now().Add(drainGrace)
	for time.Now().Before(deadline) {
		s.mu.Lock()
		drained := entry.inFlight == 0
		s.mu.Unlock()
		if drained {
			break
		}
		time.Sleep(drainPoll)
	}

	if session != nil {
		if err := session.Shutdown(); err != nil {
			log.Printf("Server %q: shutdown error: %v", serverName, err)
		}
	}

	s.mu.Lock()
	// Only remove the entry this shutdown drained, never a successor.
	if current, ok := s.table[serverName]; ok && current == entry {
		delete(s.table, serverName)
	}
	s.mu.Unlock()
	log.Printf("Server %q: stopped", serverName)
	return models.StateStopping, nil
}

// handleTermination removes a crashed session from the table. Registered as
// the client's termination callback.
func (s *Supervisor) handleTermination(serverName string) {
	s.mu.Lock()
	entry, ok := s.table[serverName]
	if !ok {
		s.mu.Unlock()
		return
	}
	entry.state = models.StateFailed
	session := entry.session
	delete(s.table, serverName)
	s.mu.Unlock()

	log.Printf("Server %q: FAILED (process terminated)", serverName)
	if session != nil {
		go func() { _ = session.Shutdown() }()
	}
}

// ListRunning returns snapshots of every live session, ordered by name.
func (s *Supervisor) ListRunning() []models.ServerSnapshot {
	s.mu.Lock()
	snapshots := make([]models.ServerSnapshot, 0, len(s.table))
	for _, entry := range s.table {
		snapshots = append(snapshots, models.ServerSnapshot{
			ServerName: entry.name,
			State:      entry.state,
			StartedAt:  entry.startedAt,
			LastUsedAt: entry.lastUsedAt,
			InFlight:   entry.inFlight,
		})
	}
	s.mu.Unlock()

	sort.Slice(snapshots, func(i, j int) bool { return snapshots[i].ServerName < snapshots[j].ServerName })
	return snapshots
}

// Execute acquires the target server, runs one tool call under the call
// timeout and releases the lease. A call that fails because the process died
// is retried once against a fresh session.
func (s *Supervisor) Execute(ctx context.Context, serverName, toolName string, args map[string]any) ([]models.RawContentPart, error) {
	parts, err := s.executeOnce(ctx, serverName, toolName, args)
	if err != nil && models.IsKind(err, models.KindServerCrashed) {
		log.Printf("Server %q crashed during %q, retrying with a fresh session", serverName, toolName)
		return s.executeOnce(ctx, serverName, toolName, args)
	}
	return parts, err
}

func (s *Supervisor) executeOnce(ctx context.Context, serverName, toolName string, args map[string]any) ([]models.RawContentPart, error) {
	lease, err := s.Acquire(ctx, serverName)
	if err != nil {
		return nil, err
	}
	defer lease.Release()

	callCtx := ctx
	if s.callTime > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, s.callTime)
		defer cancel()
	}
	return lease.Session.CallTool(callCtx, toolName, args)
}

// Close stops the sweeper and shuts down every session.
func (s *Supervisor) Close() {
	close(s.stopSweep)
	<-s.sweepDone

	s.mu.Lock()
	sessions := make([]Session, 0, len(s.table))
	for name, entry := range s.table {
		if entry.session != nil {
			sessions = append(sessions, entry.session)
		}
		delete(s.table, name)
	}
	s.mu.Unlock()

	for _, session := range sessions {
		_ = session.Shutdown()
	}
}

// sweep periodically evicts sessions that have been idle past the TTL.
func (s *Supervisor) sweep() {
	defer close(s.sweepDone)
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopSweep:
			return
		case <-ticker.C:
			s.evictIdle(time.Now())
		}
	}
}

func (s *Supervisor) evictIdle(now time.Time) {
	if s.idleTTL <= 0 {
		return
	}

	s.mu.Lock()
	var victims []*running
	for name, entry := range s.table {
		if entry.state == models.StateReady && entry.inFlight == 0 && now.Sub(entry.lastUsedAt) > s.idleTTL {
			entry.state = models.StateStopping
			victims = append(victims, entry)
			delete(s.table, name)
		}
	}
	s.mu.Unlock()

	for _, entry := range victims {
		log.Printf("Server %q: evicting after %s idle", entry.name, s.idleTTL)
		if entry.session != nil {
			_ = entry.session.Shutdown()
		}
	}
}
