// Package asr maintains the per-stream realtime ASR sessions: a
// bidirectional WebSocket speaking the task event protocol, a driver that
// feeds it from the durable chunk log and survives upstream failures, and
// a one-shot windowed pass used to transcribe ranges the realtime path
// missed.
package asr

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Upstream event names.
const (
	EventTaskStarted     = "task-started"
	EventResultGenerated = "result-generated"
	EventTaskFinished    = "task-finished"
	EventTaskFailed      = "task-failed"
)

// RunTask is the JSON control frame sent before any audio.
type RunTask struct {
	Action     string `json:"action"` // "run-task"
	TaskID     string `json:"task_id"`
	Model      string `json:"model"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
	Format     string `json:"format"`
}

// FinishTask asks the upstream to flush and close the task.
type FinishTask struct {
	Action string `json:"action"` // "finish-task"
	TaskID string `json:"task_id"`
}

// Event is one inbound upstream event.
type Event struct {
	Event  string `json:"event"`
	TaskID string `json:"task_id,omitempty"`

	// result-generated payload. The upstream ecosystem is inconsistent
	// about the finality flag; any one of these set means final.
	Text          string `json:"text,omitempty"`
	IsFinal       *bool  `json:"is_final,omitempty"`
	Final         *bool  `json:"final,omitempty"`
	SentenceEnd   *bool  `json:"sentence_end,omitempty"`
	EndOfSentence *bool  `json:"end_of_sentence,omitempty"`
	OffsetMS      int64  `json:"offset_ms,omitempty"`
	DurationMS    int64  `json:"duration_ms,omitempty"`

	// task-failed payload.
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// IsFinalResult reports whether a result-generated event closes a
// sentence. Absent flags default to final; only an explicit false makes
// the result partial.
func (e *Event) IsFinalResult() bool {
	for _, f := range []*bool{e.IsFinal, e.Final, e.SentenceEnd, e.EndOfSentence} {
		if f != nil {
			return *f
		}
	}
	return true
}

// TaskConfig describes one upstream task.
type TaskConfig struct {
	Model      string
	SampleRate int
	Channels   int
	Format     string
}

func (c TaskConfig) withDefaults() TaskConfig {
	if c.SampleRate == 0 {
		c.SampleRate = 16000
	}
	if c.Channels == 0 {
		c.Channels = 1
	}
	if c.Format == "" {
		c.Format = "pcm"
	}
	return c
}

// TaskSession is one live upstream task over a dedicated WebSocket.
// Reads are pumped by a background goroutine into Events; writes must
// come from a single goroutine (the driver worker).
type TaskSession struct {
	conn   *websocket.Conn
	taskID string

	eventsCh  chan eventOrError
	closeCh   chan struct{}
	closeOnce sync.Once
}

type eventOrError struct {
	event *Event
	err   error
}

// OpenTask dials the upstream, sends run-task with a fresh task_id, and
// starts the background reader. Duplicate reconnects are safe: every
// task gets its own id.
func OpenTask(ctx context.Context, url, apiKey string, cfg TaskConfig) (*TaskSession, error) {
	cfg = cfg.withDefaults()

	headers := http.Header{}
	if apiKey != "" {
		headers.Set("Authorization", "bearer "+apiKey)
	}
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, headers)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("asr: connect failed: %w (status=%s)", err, resp.Status)
		}
		return nil, fmt.Errorf("asr: connect failed: %w", err)
	}

	s := &TaskSession{
		conn:     conn,
		taskID:   "task_" + uuid.New().String()[:8],
		eventsCh: make(chan eventOrError, 100),
		closeCh:  make(chan struct{}),
	}

	if err := conn.WriteJSON(RunTask{
		Action:     "run-task",
		TaskID:     s.taskID,
		Model:      cfg.Model,
		SampleRate: cfg.SampleRate,
		Channels:   cfg.Channels,
		Format:     cfg.Format,
	}); err != nil {
		conn.Close()
		return nil, fmt.Errorf("asr: run-task: %w", err)
	}

	go s.readLoop()
	return s, nil
}

// TaskID returns the task id assigned at open.
func (s *TaskSession) TaskID() string { return s.taskID }

// SendAudio sends one binary audio frame.
func (s *TaskSession) SendAudio(data []byte) error {
	return s.conn.WriteMessage(websocket.BinaryMessage, data)
}

// Finish asks the upstream to flush the tail and emit task-finished.
func (s *TaskSession) Finish() error {
	return s.conn.WriteJSON(FinishTask{Action: "finish-task", TaskID: s.taskID})
}

// Events returns an iterator over upstream events. The iterator ends on
// session close or after yielding an error.
func (s *TaskSession) Events() iter.Seq2[*Event, error] {
	return func(yield func(*Event, error) bool) {
		for {
			select {
			case <-s.closeCh:
				return
			case item, ok := <-s.eventsCh:
				if !ok {
					return
				}
				if !yield(item.event, item.err) {
					return
				}
				if item.err != nil {
					return
				}
			}
		}
	}
}

// EventsChan exposes the raw event channel for select-based consumers.
func (s *TaskSession) EventsChan() <-chan eventOrError { return s.eventsCh }

// Close tears the session down. Safe to call more than once.
func (s *TaskSession) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.closeCh)
		err = s.conn.Close()
	})
	return err
}

func (s *TaskSession) readLoop() {
	defer close(s.eventsCh)
	for {
		select {
		case <-s.closeCh:
			return
		default:
		}

		_, message, err := s.conn.ReadMessage()
		if err != nil {
			select {
			case <-s.closeCh:
			case s.eventsCh <- eventOrError{err: fmt.Errorf("asr: read: %w", err)}:
			}
			return
		}

		var ev Event
		if err := json.Unmarshal(message, &ev); err != nil {
			select {
			case <-s.closeCh:
				return
			case s.eventsCh <- eventOrError{err: fmt.Errorf("asr: parse event: %w", err)}:
			}
			continue
		}

		select {
		case <-s.closeCh:
			return
		case s.eventsCh <- eventOrError{event: &ev}:
		}
	}
}

// backoffSteps is the reconnect schedule; the last step repeats.
var backoffSteps = []time.Duration{time.Second, 2 * time.Second, 5 * time.Second}

// backoffFor returns the delay before reconnect attempt n (0-based).
func backoffFor(n int) time.Duration {
	if n >= len(backoffSteps) {
		return backoffSteps[len(backoffSteps)-1]
	}
	return backoffSteps[n]
}
