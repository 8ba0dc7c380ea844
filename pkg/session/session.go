// Package session orchestrates the per-session runtime: one ASR driver
// per stream role, resolution fan-out for final utterances, and the
// finalizer with single-flight protection. Components never reference
// each other directly; everything meets in the session state store.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/BilltheChurch/Interview-feedback-sub005/pkg/asr"
	"github.com/BilltheChurch/Interview-feedback-sub005/pkg/chunkstore"
	"github.com/BilltheChurch/Interview-feedback-sub005/pkg/finalize"
	"github.com/BilltheChurch/Interview-feedback-sub005/pkg/resolver"
	"github.com/BilltheChurch/Interview-feedback-sub005/pkg/state"
)

// Config controls the per-session runtime.
type Config struct {
	// ASREnabled gates all upstream ASR traffic.
	ASREnabled bool
	// RealtimeEnabled starts the realtime drivers; when off, transcription
	// happens only through the windowed replay path.
	RealtimeEnabled bool
	Driver          asr.DriverConfig
	Windowed        asr.WindowedConfig
	Finalize        finalize.Config
}

// Manager owns the runtimes of all live sessions in the process.
type Manager struct {
	cfg       Config
	states    *state.Store
	chunks    *chunkstore.Store
	resolver  *resolver.Resolver
	finalizer *finalize.Finalizer
	log       *slog.Logger

	mu       sync.Mutex
	runtimes map[string]*runtime
}

// runtime is the live machinery of one session.
type runtime struct {
	id         string
	drivers    map[state.Role]*asr.Driver
	finalizing bool
}

// NewManager creates the orchestrator.
func NewManager(cfg Config, states *state.Store, chunks *chunkstore.Store, res *resolver.Resolver, fin *finalize.Finalizer, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		cfg:       cfg,
		states:    states,
		chunks:    chunks,
		resolver:  res,
		finalizer: fin,
		log:       log,
		runtimes:  make(map[string]*runtime),
	}
}

// States exposes the shared session state store.
func (m *Manager) States() *state.Store { return m.states }

// Chunks exposes the shared chunk store.
func (m *Manager) Chunks() *chunkstore.Store { return m.chunks }

// Resolver exposes the shared speaker resolver.
func (m *Manager) Resolver() *resolver.Resolver { return m.resolver }

// Attach returns the session's runtime, creating it (and starting its
// drivers) on first use. The backing session state is created lazily by
// the first write.
func (m *Manager) Attach(ctx context.Context, sessionID string) *runtime {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rt, ok := m.runtimes[sessionID]; ok {
		return rt
	}
	rt := &runtime{id: sessionID, drivers: make(map[state.Role]*asr.Driver)}
	if m.cfg.ASREnabled && m.cfg.RealtimeEnabled {
		for _, role := range state.Roles {
			d := asr.NewDriver(sessionID, role, m.cfg.Driver, m.states, m.chunks,
				asr.WithLogger(m.log),
				asr.WithOnFinal(m.onFinal(sessionID)))
			d.Start(context.WithoutCancel(ctx))
			rt.drivers[role] = d
		}
	}
	m.runtimes[sessionID] = rt
	m.log.Info("session runtime attached", "session_id", sessionID,
		"realtime", m.cfg.RealtimeEnabled)
	return rt
}

// onFinal hands a freshly persisted utterance to the resolver without
// blocking the driver: resolution is fire-and-proceed.
func (m *Manager) onFinal(sessionID string) func(state.Utterance) {
	return func(u state.Utterance) {
		go func() {
			if err := m.resolver.ResolveUtterance(context.Background(), sessionID, u); err != nil {
				m.log.Warn("speaker resolution failed",
					"session_id", sessionID, "utterance_id", u.UtteranceID, "err", err)
			}
		}()
	}
}

// Enqueue forwards an ingested chunk to the stream's realtime driver, if
// one is running. Never blocks.
func (m *Manager) Enqueue(sessionID string, role state.Role, seq int, data []byte) {
	m.mu.Lock()
	rt := m.runtimes[sessionID]
	m.mu.Unlock()
	if rt == nil {
		return
	}
	if d := rt.drivers[role]; d != nil {
		d.Enqueue(seq, data)
	}
}

// driverSet adapts a runtime to the finalizer's view of the drivers.
type driverSet struct{ rt *runtime }

func (s driverSet) Freeze() {
	for _, d := range s.rt.drivers {
		d.Freeze()
	}
}

func (s driverSet) Backlog(role state.Role) int {
	if d := s.rt.drivers[role]; d != nil {
		return d.Backlog()
	}
	return 0
}

// Finalize runs the finalizer for the session, single-flight: a request
// arriving while a run is in progress reports the current stage instead
// of starting a second pipeline.
func (m *Manager) Finalize(ctx context.Context, sessionID string) (int, error) {
	m.mu.Lock()
	rt, ok := m.runtimes[sessionID]
	if !ok {
		rt = &runtime{id: sessionID, drivers: make(map[state.Role]*asr.Driver)}
		m.runtimes[sessionID] = rt
	}
	if rt.finalizing {
		m.mu.Unlock()
		sess, err := m.states.Load(ctx, sessionID)
		if err != nil {
			return 0, err
		}
		return sess.Finalize.Stage, nil
	}
	rt.finalizing = true
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		rt.finalizing = false
		m.mu.Unlock()
	}()
	return m.finalizer.Run(ctx, sessionID, driverSet{rt})
}

// ASRRun triggers a manual windowed replay over a chunk range and
// persists whatever it recovers. from/to of 0 mean the full backlog
// (cursor to last ingested seq).
func (m *Manager) ASRRun(ctx context.Context, sessionID string, role state.Role, from, to int) (int, error) {
	if !m.cfg.ASREnabled {
		return 0, fmt.Errorf("session: asr disabled")
	}
	sess, err := m.states.Load(ctx, sessionID)
	if err != nil {
		return 0, err
	}
	if from == 0 {
		from = sess.Cursors[role].LastEmittedSeq + 1
	}
	if to == 0 {
		to = sess.IngestByStream[role].LastSeq
	}
	utts, err := asr.RunWindowed(ctx, m.cfg.Windowed, m.chunks, sessionID, role, from, to, m.log)
	if err != nil {
		return 0, err
	}
	applied := 0
	_, err = m.states.Update(ctx, sessionID, func(sess *state.Session) error {
		for _, u := range utts {
			if sess.AppendUtterance(u) {
				applied++
			}
		}
		cur := sess.Cursors[role]
		if to > cur.LastEmittedSeq {
			cur.LastEmittedSeq = to
		}
		if to > cur.LastSentSeq {
			cur.LastSentSeq = to
		}
		sess.Cursors[role] = cur
		return nil
	})
	if err != nil {
		return 0, err
	}
	for _, u := range utts {
		m.onFinal(sessionID)(u)
	}
	return applied, nil
}

// ASRReset rewinds a stream's replay cursor to zero; a running realtime
// driver reconnects and re-streams the whole chunk log.
func (m *Manager) ASRReset(ctx context.Context, sessionID string, role state.Role) error {
	m.mu.Lock()
	rt := m.runtimes[sessionID]
	m.mu.Unlock()
	if rt != nil {
		if d := rt.drivers[role]; d != nil {
			return d.Reset(ctx)
		}
	}
	_, err := m.states.Update(ctx, sessionID, func(sess *state.Session) error {
		sess.Cursors[role] = state.ReplayCursor{}
		return nil
	})
	return err
}

// Detach stops a session's drivers and forgets its runtime. Session state
// stays durable; a later Attach resumes from the persisted cursors.
func (m *Manager) Detach(sessionID string) {
	m.mu.Lock()
	rt := m.runtimes[sessionID]
	delete(m.runtimes, sessionID)
	m.mu.Unlock()
	if rt == nil {
		return
	}
	for _, d := range rt.drivers {
		d.Stop()
	}
}

// Shutdown stops every runtime, waiting for the drivers to persist their
// cursors.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	rts := make([]*runtime, 0, len(m.runtimes))
	for _, rt := range m.runtimes {
		rts = append(rts, rt)
	}
	m.runtimes = make(map[string]*runtime)
	m.mu.Unlock()

	g, _ := errgroup.WithContext(ctx)
	for _, rt := range rts {
		for _, d := range rt.drivers {
			g.Go(func() error {
				d.Stop()
				return nil
			})
		}
	}
	return g.Wait()
}
