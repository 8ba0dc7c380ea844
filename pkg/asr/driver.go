package asr

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/BilltheChurch/Interview-feedback-sub005/pkg/chunkstore"
	"github.com/BilltheChurch/Interview-feedback-sub005/pkg/pcm"
	"github.com/BilltheChurch/Interview-feedback-sub005/pkg/state"
)

// Driver states reported through ASRStats.WSState.
const (
	StateDisconnected = "disconnected"
	StateConnecting   = "connecting"
	StateRunning      = "running"
	StateReconnecting = "reconnecting"
	StateClosed       = "closed"
)

// DriverConfig configures one per-stream realtime driver.
type DriverConfig struct {
	URL    string
	APIKey string
	Model  string

	// QueueCap bounds the in-memory send queue; when full the oldest
	// frame is dropped (it is already durable in the chunk store and a
	// later replay can recover it). Default 60.
	QueueCap int

	// TaskStartTimeout bounds the wait for task-started after run-task.
	// Default 10s.
	TaskStartTimeout time.Duration
}

func (c DriverConfig) withDefaults() DriverConfig {
	if c.QueueCap == 0 {
		c.QueueCap = 60
	}
	if c.TaskStartTimeout == 0 {
		c.TaskStartTimeout = 10 * time.Second
	}
	return c
}

type frame struct {
	seq      int
	data     []byte
	ingestAt time.Time // zero for frames rebuilt from the chunk store
}

// Driver owns the realtime ASR session for one (session, stream role)
// pair. It feeds the upstream from a bounded queue, persists a replay
// cursor on every final utterance, and reconnects with backoff, resuming
// from the durable chunk log so no audio is lost across upstream outages.
type Driver struct {
	sessionID string
	role      state.Role
	cfg       DriverConfig

	states  *state.Store
	chunks  *chunkstore.Store
	log     *slog.Logger
	onFinal func(state.Utterance)

	mu        sync.Mutex
	queue     []frame
	frozen    bool
	current   *TaskSession
	latencies []time.Duration

	notify chan struct{}
	cancel context.CancelFunc
	done   chan struct{}
}

// DriverOption configures a Driver.
type DriverOption func(*Driver)

// WithLogger sets the driver logger.
func WithLogger(log *slog.Logger) DriverOption {
	return func(d *Driver) { d.log = log }
}

// WithOnFinal registers a callback invoked after each final utterance has
// been persisted. The callback runs on the driver goroutine; long work
// (speaker resolution) should be handed off.
func WithOnFinal(fn func(state.Utterance)) DriverOption {
	return func(d *Driver) { d.onFinal = fn }
}

// NewDriver creates a driver. Call Start to begin streaming.
func NewDriver(sessionID string, role state.Role, cfg DriverConfig, states *state.Store, chunks *chunkstore.Store, opts ...DriverOption) *Driver {
	d := &Driver{
		sessionID: sessionID,
		role:      role,
		cfg:       cfg.withDefaults(),
		states:    states,
		chunks:    chunks,
		log:       slog.Default(),
		notify:    make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.log = d.log.With("session_id", sessionID, "stream_role", string(role))
	return d
}

// Start launches the driver goroutine. The driver stops when ctx is
// canceled or Stop is called.
func (d *Driver) Start(ctx context.Context) {
	ctx, d.cancel = context.WithCancel(ctx)
	go d.run(ctx)
}

// Stop cancels the driver and waits for the worker to persist its cursor
// and exit.
func (d *Driver) Stop() {
	if d.cancel != nil {
		d.cancel()
	}
	<-d.done
}

// Enqueue hands a freshly ingested chunk to the driver. Non-blocking:
// when the queue is full the oldest frame is dropped and a recovery event
// is recorded (the dropped audio remains in the chunk store). Frames
// arriving after Freeze are ignored.
func (d *Driver) Enqueue(seq int, data []byte) {
	d.mu.Lock()
	if d.frozen {
		d.mu.Unlock()
		return
	}
	var dropped int
	if len(d.queue) >= d.cfg.QueueCap {
		dropped = d.queue[0].seq
		d.queue = d.queue[1:]
	}
	d.queue = append(d.queue, frame{seq: seq, data: data, ingestAt: time.Now()})
	d.mu.Unlock()

	d.wake()
	if dropped != 0 {
		d.log.Warn("send queue full, dropped oldest frame", "dropped_seq", dropped)
		go func() {
			_, err := d.states.Update(context.Background(), d.sessionID, func(sess *state.Session) error {
				sess.AppendEvent(state.EventCaptureRecovery, map[string]any{
					"stream_role": string(d.role),
					"reason":      "send_queue_overflow",
					"dropped_seq": dropped,
				})
				return nil
			})
			if err != nil {
				d.log.Error("record queue overflow", "err", err)
			}
		}()
	}
}

// Freeze stops the driver from accepting new frames; the backlog already
// queued still drains. Used when finalize fences ingestion.
func (d *Driver) Freeze() {
	d.mu.Lock()
	d.frozen = true
	d.mu.Unlock()
}

// Backlog returns the number of frames queued but not yet sent upstream.
func (d *Driver) Backlog() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.queue)
}

// queueLag returns how long the oldest live frame has been waiting to be
// sent, in seconds. Frames rebuilt from the chunk store carry no ingest
// timestamp and do not count.
func (d *Driver) queueLag() float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, f := range d.queue {
		if !f.ingestAt.IsZero() {
			return time.Since(f.ingestAt).Seconds()
		}
	}
	return 0
}

// Reset rewinds the replay cursor to the start of the stream and forces a
// reconnect, so the whole chunk log is streamed again.
func (d *Driver) Reset(ctx context.Context) error {
	_, err := d.states.Update(ctx, d.sessionID, func(sess *state.Session) error {
		sess.Cursors[d.role] = state.ReplayCursor{}
		return nil
	})
	if err != nil {
		return fmt.Errorf("asr: reset cursor: %w", err)
	}
	d.mu.Lock()
	d.queue = nil
	cur := d.current
	d.mu.Unlock()
	if cur != nil {
		cur.Close() // pump exits, reconnect path rebuilds from the cursor
	}
	return nil
}

func (d *Driver) wake() {
	select {
	case d.notify <- struct{}{}:
	default:
	}
}

func (d *Driver) pop() (frame, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.queue) == 0 {
		return frame{}, false
	}
	f := d.queue[0]
	d.queue = d.queue[1:]
	return f, true
}

// run is the driver worker: connect, pump, reconnect with backoff.
func (d *Driver) run(ctx context.Context) {
	defer close(d.done)
	attempt := 0
	for {
		if ctx.Err() != nil {
			d.setWSState(StateClosed, "")
			return
		}
		d.setWSState(StateConnecting, "")
		if err := d.rebuildQueue(ctx); err != nil {
			d.log.Error("rebuild send queue", "err", err)
		}

		ts, err := OpenTask(ctx, d.cfg.URL, d.cfg.APIKey, TaskConfig{Model: d.cfg.Model})
		if err != nil {
			if ctx.Err() != nil {
				d.setWSState(StateClosed, "")
				return
			}
			d.log.Warn("connect failed", "attempt", attempt, "err", err)
			d.setWSState(StateReconnecting, err.Error())
			if !sleep(ctx, backoffFor(attempt)) {
				d.setWSState(StateClosed, "")
				return
			}
			attempt++
			continue
		}

		d.mu.Lock()
		d.current = ts
		d.mu.Unlock()

		started, perr := d.pump(ctx, ts)
		ts.Close()
		d.mu.Lock()
		d.current = nil
		d.mu.Unlock()

		if ctx.Err() != nil {
			d.setWSState(StateClosed, "")
			return
		}
		if started {
			attempt = 0
		}
		msg := ""
		if perr != nil {
			msg = perr.Error()
			d.log.Warn("upstream task ended", "task_id", ts.TaskID(), "err", perr)
		}
		d.setWSState(StateReconnecting, msg)
		if !sleep(ctx, backoffFor(attempt)) {
			d.setWSState(StateClosed, "")
			return
		}
		attempt++
	}
}

// rebuildQueue reloads the send queue from the chunk store, resuming at
// the persisted cursor. Frames already queued live are kept if they are
// past the rebuilt range.
func (d *Driver) rebuildQueue(ctx context.Context) error {
	sess, err := d.states.Load(ctx, d.sessionID)
	if err != nil {
		return err
	}
	from := sess.Cursors[d.role].LastSentSeq + 1
	maxSeq, err := d.chunks.MaxSeq(ctx, d.sessionID, string(d.role))
	if err != nil {
		return err
	}
	if maxSeq < from {
		return nil
	}
	chunks, missing, err := d.chunks.Range(ctx, d.sessionID, string(d.role), from, maxSeq)
	if err != nil {
		return err
	}
	rebuilt := make([]frame, 0, maxSeq-from+1)
	byseq := make(map[int][]byte, len(chunks))
	for _, c := range chunks {
		byseq[c.Seq] = c.Data
	}
	for seq := from; seq <= maxSeq; seq++ {
		data, ok := byseq[seq]
		if !ok {
			data = pcm.Silence(1) // keeps task offsets aligned to seconds
		}
		rebuilt = append(rebuilt, frame{seq: seq, data: data})
	}
	if len(missing) > 0 {
		d.log.Info("rebuilt queue with gaps", "from", from, "to", maxSeq, "missing", len(missing))
	}

	d.mu.Lock()
	// Keep live frames not covered by the rebuilt range.
	for _, f := range d.queue {
		if f.seq > maxSeq {
			rebuilt = append(rebuilt, f)
		}
	}
	d.queue = rebuilt
	d.mu.Unlock()
	if len(rebuilt) > 0 {
		d.wake()
	}
	return nil
}

// pump drives one upstream task to completion. Returns whether the task
// reached running (resets the backoff schedule).
func (d *Driver) pump(ctx context.Context, ts *TaskSession) (started bool, err error) {
	startTimer := time.NewTimer(d.cfg.TaskStartTimeout)
	defer startTimer.Stop()

	var (
		taskBaseMS int64 = -1 // absolute ms of the task's audio origin
		lastSent   int
		ingestAt   = make(map[int]time.Time)
		partial    *Event
	)

	flushTail := func() {
		if partial == nil {
			return
		}
		d.emitFinal(ctx, partial, taskBaseMS, lastSent, ingestAt)
		partial = nil
	}

	for {
		var startCh <-chan time.Time
		if !started {
			startCh = startTimer.C
		}
		select {
		case <-ctx.Done():
			flushTail()
			d.persistCursor(lastSent)
			return started, nil

		case <-startCh:
			return false, fmt.Errorf("asr: task-started timeout after %s", d.cfg.TaskStartTimeout)

		case <-d.notify:
			if !started {
				d.wake() // keep the pending frames signaled until running
				continue
			}
			for {
				f, ok := d.pop()
				if !ok {
					break
				}
				if taskBaseMS < 0 {
					taskBaseMS = int64(f.seq-1) * 1000
				}
				// Fill small gaps between sent seqs so upstream offsets
				// stay aligned to one second per frame.
				if lastSent > 0 {
					for gap := lastSent + 1; gap < f.seq; gap++ {
						if err := ts.SendAudio(pcm.Silence(1)); err != nil {
							return started, fmt.Errorf("asr: send: %w", err)
						}
					}
				}
				if err := ts.SendAudio(f.data); err != nil {
					return started, fmt.Errorf("asr: send: %w", err)
				}
				lastSent = f.seq
				if !f.ingestAt.IsZero() {
					ingestAt[f.seq] = f.ingestAt
				}
			}

		case item, ok := <-ts.EventsChan():
			if !ok {
				flushTail()
				return started, fmt.Errorf("asr: upstream closed")
			}
			if item.err != nil {
				flushTail()
				return started, item.err
			}
			ev := item.event
			switch ev.Event {
			case EventTaskStarted:
				started = true
				d.setWSState(StateRunning, "")
				d.wake()
			case EventResultGenerated:
				if ev.IsFinalResult() {
					d.emitFinal(ctx, ev, taskBaseMS, lastSent, ingestAt)
					partial = nil
				} else {
					partial = ev
				}
			case EventTaskFinished:
				flushTail()
				d.persistCursor(lastSent)
				return started, nil
			case EventTaskFailed:
				flushTail()
				return started, fmt.Errorf("asr: task failed: %s: %s", ev.Code, ev.Message)
			}
		}
	}
}

// emitFinal persists one final utterance together with the replay cursor
// and refreshed driver stats, then hands it to the resolution callback.
func (d *Driver) emitFinal(ctx context.Context, ev *Event, taskBaseMS int64, lastSent int, ingestAt map[int]time.Time) {
	if taskBaseMS < 0 {
		taskBaseMS = 0
	}
	startMS := taskBaseMS + ev.OffsetMS
	endMS := startMS + ev.DurationMS
	if ev.DurationMS == 0 {
		endMS = startMS
	}
	u := state.Utterance{
		UtteranceID: "u_" + uuid.New().String()[:8],
		StreamRole:  d.role,
		Text:        ev.Text,
		StartMS:     startMS,
		EndMS:       endMS,
		IsFinal:     true,
		Decision:    state.DecisionUnknown,
	}

	// Emission latency: ingest timestamp of the chunk containing the
	// utterance end, if it was sent during this process lifetime.
	emittedSeq := int(endMS/1000) + 1
	if emittedSeq > lastSent {
		emittedSeq = lastSent
	}
	var lat time.Duration
	if ts, ok := ingestAt[emittedSeq]; ok {
		lat = time.Since(ts)
		d.observeLatency(lat)
	}
	p50, p95 := d.latencyQuantiles()

	_, err := d.states.Update(ctx, d.sessionID, func(sess *state.Session) error {
		if !sess.AppendUtterance(u) {
			d.log.Warn("dropped non-monotone utterance", "start_ms", u.StartMS)
			return nil
		}
		sess.Cursors[d.role] = state.ReplayCursor{
			LastSentSeq:    lastSent,
			LastEmittedSeq: emittedSeq,
		}
		st := sess.ASRByStream[d.role]
		st.WSState = StateRunning
		st.LastEmitAt = time.Now().UnixMilli()
		st.BacklogChunks = d.Backlog()
		st.IngestLagSeconds = d.queueLag()
		st.P50MS = p50
		st.P95MS = p95
		st.LastError = ""
		sess.AppendEvent(state.EventASRUtterance, map[string]any{
			"utterance_id": u.UtteranceID,
			"stream_role":  string(u.StreamRole),
			"text":         u.Text,
			"start_ms":     u.StartMS,
			"end_ms":       u.EndMS,
		})
		return nil
	})
	if err != nil {
		d.log.Error("persist utterance", "err", err)
		return
	}
	d.log.Debug("utterance emitted", "start_ms", u.StartMS, "latency_ms", lat.Milliseconds())
	if d.onFinal != nil {
		d.onFinal(u)
	}
}

// persistCursor records the send position without an utterance, used on
// graceful task end so recovery does not resend the whole backlog.
func (d *Driver) persistCursor(lastSent int) {
	if lastSent == 0 {
		return
	}
	_, err := d.states.Update(context.Background(), d.sessionID, func(sess *state.Session) error {
		cur := sess.Cursors[d.role]
		if lastSent > cur.LastSentSeq {
			cur.LastSentSeq = lastSent
			sess.Cursors[d.role] = cur
		}
		return nil
	})
	if err != nil {
		d.log.Error("persist cursor", "err", err)
	}
}

func (d *Driver) setWSState(ws, lastError string) {
	_, err := d.states.Update(context.Background(), d.sessionID, func(sess *state.Session) error {
		st := sess.ASRByStream[d.role]
		st.Mode = "realtime"
		st.WSState = ws
		st.BacklogChunks = d.Backlog()
		st.IngestLagSeconds = d.queueLag()
		if lastError != "" {
			st.LastError = lastError
		}
		return nil
	})
	if err != nil {
		d.log.Error("persist ws state", "ws_state", ws, "err", err)
	}
}

// latencyWindow bounds the sliding sample set for p50/p95.
const latencyWindow = 64

func (d *Driver) observeLatency(lat time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.latencies = append(d.latencies, lat)
	if len(d.latencies) > latencyWindow {
		d.latencies = d.latencies[len(d.latencies)-latencyWindow:]
	}
}

func (d *Driver) latencyQuantiles() (p50, p95 int64) {
	d.mu.Lock()
	samples := slices.Clone(d.latencies)
	d.mu.Unlock()
	if len(samples) == 0 {
		return 0, 0
	}
	slices.Sort(samples)
	q := func(f float64) int64 {
		i := int(f * float64(len(samples)-1))
		return samples[i].Milliseconds()
	}
	return q(0.50), q(0.95)
}

// sleep waits for d or cancellation; reports whether the wait completed.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
