package asr

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/BilltheChurch/Interview-feedback-sub005/pkg/chunkstore"
	"github.com/BilltheChurch/Interview-feedback-sub005/pkg/pcm"
	"github.com/BilltheChurch/Interview-feedback-sub005/pkg/state"
)

// WindowedConfig configures the one-shot replay pass.
type WindowedConfig struct {
	URL    string
	APIKey string
	Model  string

	// WindowSeconds is the audio span of each upstream task. Default 10.
	WindowSeconds int
	// HopSeconds is the window advance per task. Default 2.
	HopSeconds int
}

func (c WindowedConfig) withDefaults() WindowedConfig {
	if c.WindowSeconds == 0 {
		c.WindowSeconds = 10
	}
	if c.HopSeconds == 0 {
		c.HopSeconds = 2
	}
	return c
}

// RunWindowed transcribes the chunk range [fromSeq, toSeq] with
// overlapping windows: each window is a fresh upstream task so a failure
// in one window cannot poison the rest. Overlap gives utterances near
// window edges full context; each window only keeps the results starting
// in its first hop, so overlapping windows do not duplicate output. The
// returned utterances carry absolute stream timestamps, sorted by start.
//
// Missing chunks inside the range are replaced with silence to keep
// offsets aligned.
func RunWindowed(ctx context.Context, cfg WindowedConfig, chunks *chunkstore.Store, sessionID string, role state.Role, fromSeq, toSeq int, log *slog.Logger) ([]state.Utterance, error) {
	cfg = cfg.withDefaults()
	if log == nil {
		log = slog.Default()
	}
	if fromSeq < 1 {
		fromSeq = 1
	}
	if toSeq < fromSeq {
		return nil, nil
	}

	var out []state.Utterance
	for winStart := fromSeq; winStart <= toSeq; winStart += cfg.HopSeconds {
		winEnd := winStart + cfg.WindowSeconds - 1
		last := winEnd >= toSeq
		if last {
			winEnd = toSeq
		}

		finals, err := transcribeWindow(ctx, cfg, chunks, sessionID, role, winStart, winEnd)
		if err != nil {
			return nil, fmt.Errorf("asr: window [%d,%d]: %w", winStart, winEnd, err)
		}

		// Ownership cut: results starting past the first hop belong to a
		// later window, except in the last window which keeps everything.
		ownEndMS := int64(winStart-1+cfg.HopSeconds) * 1000
		for _, u := range finals {
			if !last && u.StartMS >= ownEndMS {
				continue
			}
			out = append(out, u)
		}
		log.Debug("window transcribed", "from", winStart, "to", winEnd, "finals", len(finals))
		if last {
			break
		}
	}

	slices.SortStableFunc(out, func(a, b state.Utterance) int {
		return int(a.StartMS - b.StartMS)
	})
	return out, nil
}

// transcribeWindow runs one upstream task over [winStart, winEnd] and
// collects its final results with absolute timestamps.
func transcribeWindow(ctx context.Context, cfg WindowedConfig, chunks *chunkstore.Store, sessionID string, role state.Role, winStart, winEnd int) ([]state.Utterance, error) {
	ts, err := OpenTask(ctx, cfg.URL, cfg.APIKey, TaskConfig{Model: cfg.Model})
	if err != nil {
		return nil, err
	}
	defer ts.Close()

	baseMS := int64(winStart-1) * 1000
	for seq := winStart; seq <= winEnd; seq++ {
		data, err := chunks.Get(ctx, sessionID, string(role), seq)
		if err != nil {
			data = pcm.Silence(1)
		}
		if err := ts.SendAudio(data); err != nil {
			return nil, err
		}
	}
	if err := ts.Finish(); err != nil {
		return nil, err
	}

	var out []state.Utterance
	var partial *Event
	emit := func(ev *Event) {
		startMS := baseMS + ev.OffsetMS
		out = append(out, state.Utterance{
			UtteranceID: "u_" + uuid.New().String()[:8],
			StreamRole:  role,
			Text:        ev.Text,
			StartMS:     startMS,
			EndMS:       startMS + ev.DurationMS,
			IsFinal:     true,
			Decision:    state.DecisionUnknown,
		})
	}

	deadline := time.NewTimer(time.Minute)
	defer deadline.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			return nil, fmt.Errorf("timed out waiting for task-finished")
		case item, ok := <-ts.EventsChan():
			if !ok {
				return nil, fmt.Errorf("upstream closed before task-finished")
			}
			if item.err != nil {
				return nil, item.err
			}
			switch item.event.Event {
			case EventResultGenerated:
				if item.event.IsFinalResult() {
					emit(item.event)
					partial = nil
				} else {
					partial = item.event
				}
			case EventTaskFinished:
				if partial != nil {
					emit(partial)
				}
				return out, nil
			case EventTaskFailed:
				return nil, fmt.Errorf("task failed: %s: %s", item.event.Code, item.event.Message)
			}
		}
	}
}
