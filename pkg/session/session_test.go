package session

import (
	"context"
	"testing"
	"time"

	"github.com/BilltheChurch/Interview-feedback-sub005/pkg/chunkstore"
	"github.com/BilltheChurch/Interview-feedback-sub005/pkg/finalize"
	"github.com/BilltheChurch/Interview-feedback-sub005/pkg/inference"
	"github.com/BilltheChurch/Interview-feedback-sub005/pkg/kv"
	"github.com/BilltheChurch/Interview-feedback-sub005/pkg/resolver"
	"github.com/BilltheChurch/Interview-feedback-sub005/pkg/state"
	"github.com/BilltheChurch/Interview-feedback-sub005/pkg/storage"
)

func newManager(t *testing.T, cfg Config) *Manager {
	t.Helper()
	db := kv.NewMemory(nil)
	t.Cleanup(func() { db.Close() })
	states := state.NewStore(db, nil)
	chunks := chunkstore.New(storage.NewMemory())
	inf := inference.NewClient(inference.Config{PrimaryURL: "http://127.0.0.1:1", RetryMax: 1, RetryBackoff: 1, Timeout: time.Second})
	res := resolver.New(states, chunks, inf, resolver.Thresholds{}, nil)
	fin := finalize.New(states, chunks, inf, cfg.Finalize, nil)
	return NewManager(cfg, states, chunks, res, fin, nil)
}

func TestAttachIsIdempotent(t *testing.T) {
	m := newManager(t, Config{})
	ctx := context.Background()
	rt1 := m.Attach(ctx, "s1")
	rt2 := m.Attach(ctx, "s1")
	if rt1 != rt2 {
		t.Fatal("second Attach built a new runtime")
	}
	if len(rt1.drivers) != 0 {
		t.Fatalf("drivers started with ASR disabled: %d", len(rt1.drivers))
	}
}

func TestEnqueueWithoutRuntimeOrDriver(t *testing.T) {
	m := newManager(t, Config{})
	// Unknown session: dropped silently.
	m.Enqueue("ghost", state.RoleTeacher, 1, nil)
	// Known session, no realtime driver: also dropped.
	m.Attach(context.Background(), "s1")
	m.Enqueue("s1", state.RoleTeacher, 1, nil)
}

func TestFinalizeIdempotent(t *testing.T) {
	m := newManager(t, Config{})
	ctx := context.Background()
	_, err := m.States().Update(ctx, "s1", func(sess *state.Session) error {
		sess.AppendUtterance(state.Utterance{UtteranceID: "u1", StreamRole: state.RoleTeacher,
			SpeakerName: "Carol", Decision: state.DecisionConfirm,
			Text: "welcome", StartMS: 0, EndMS: 900})
		return nil
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}

	stage, err := m.Finalize(ctx, "s1")
	if err != nil || stage != 9 {
		t.Fatalf("Finalize = %d, %v", stage, err)
	}
	stage, err = m.Finalize(ctx, "s1")
	if err != nil || stage != 9 {
		t.Fatalf("second Finalize = %d, %v", stage, err)
	}
	sess, _ := m.States().Load(ctx, "s1")
	if !sess.Finalized {
		t.Fatal("session not marked final")
	}
}

func TestFinalizeSingleFlight(t *testing.T) {
	m := newManager(t, Config{})
	ctx := context.Background()
	_, err := m.States().Update(ctx, "s1", func(sess *state.Session) error {
		sess.Finalize.Stage = 4
		return nil
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}

	rt := m.Attach(ctx, "s1")
	m.mu.Lock()
	rt.finalizing = true
	m.mu.Unlock()

	// A request racing a run in progress reports the persisted stage
	// instead of starting a second pipeline.
	stage, err := m.Finalize(ctx, "s1")
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if stage != 4 {
		t.Fatalf("stage = %d, want 4", stage)
	}
}

func TestASRRunRequiresASR(t *testing.T) {
	m := newManager(t, Config{})
	if _, err := m.ASRRun(context.Background(), "s1", state.RoleTeacher, 0, 0); err == nil {
		t.Fatal("ASRRun succeeded with ASR disabled")
	}
}

func TestASRResetZerosCursor(t *testing.T) {
	m := newManager(t, Config{})
	ctx := context.Background()
	_, err := m.States().Update(ctx, "s1", func(sess *state.Session) error {
		sess.Cursors[state.RoleTeacher] = state.ReplayCursor{LastSentSeq: 7, LastEmittedSeq: 5}
		return nil
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	if err := m.ASRReset(ctx, "s1", state.RoleTeacher); err != nil {
		t.Fatalf("ASRReset: %v", err)
	}
	sess, _ := m.States().Load(ctx, "s1")
	if cur := sess.Cursors[state.RoleTeacher]; cur != (state.ReplayCursor{}) {
		t.Fatalf("cursor = %+v, want zero", cur)
	}
}

func TestDetachAndShutdown(t *testing.T) {
	m := newManager(t, Config{})
	ctx := context.Background()
	m.Attach(ctx, "s1")
	m.Attach(ctx, "s2")
	m.Detach("s1")
	if err := m.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	m.mu.Lock()
	n := len(m.runtimes)
	m.mu.Unlock()
	if n != 0 {
		t.Fatalf("runtimes left after shutdown: %d", n)
	}
}
