// Package finalize runs the end-of-session pipeline: freeze ingestion,
// drain and backfill ASR, materialize the merged transcript, compute
// stats, run the analysis RPCs, and persist result.json.
//
// The pipeline is nine ordered stages. Each stage is transactional:
// completing stage k persists finalize.stage=k and a finalize_stage
// event, so a crashed or re-invoked finalize resumes after the last
// completed stage instead of redoing work. Intermediate artifacts
// (merged transcript, stats, report) are blobs in the chunk store for
// the same reason.
package finalize

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/BilltheChurch/Interview-feedback-sub005/pkg/asr"
	"github.com/BilltheChurch/Interview-feedback-sub005/pkg/chunkstore"
	"github.com/BilltheChurch/Interview-feedback-sub005/pkg/inference"
	"github.com/BilltheChurch/Interview-feedback-sub005/pkg/state"
	"github.com/BilltheChurch/Interview-feedback-sub005/pkg/transcript"
)

// Blob names under sessions/{id}/.
const (
	BlobMerged = "merged.json"
	BlobStats  = "stats.json"
	BlobReport = "report.json"
	BlobResult = "result.json"
)

// ReportSourceSynthesis marks a report produced by the synthesize RPC;
// ReportSourceMemoFirst marks the fallback assembled from memos when the
// RPC is unavailable.
const (
	ReportSourceSynthesis = "synthesis"
	ReportSourceMemoFirst = "memo_first_fallback"
)

// Drivers is what the finalizer needs from the session's ASR drivers.
type Drivers interface {
	// Freeze stops every driver from reading new frames.
	Freeze()
	// Backlog reports unsent frames for one stream.
	Backlog(role state.Role) int
}

// Config tunes the pipeline.
type Config struct {
	// DrainTimeout bounds stage 2. Default 30s.
	DrainTimeout time.Duration
	// Windowed configures the stage-3 backfill pass.
	Windowed asr.WindowedConfig
	// AnalysisEnabled gates stages 6 and 7. When off, the report is
	// always memo-first and no analysis RPCs are made.
	AnalysisEnabled bool
	// MergeOptions tunes the stage-4 reconciliation.
	MergeOptions transcript.Options
	// ResolveUtterance attributes utterances recovered in stage 3, the
	// same entry point the realtime path uses. Nil leaves them unknown.
	ResolveUtterance func(ctx context.Context, sessionID string, u state.Utterance) error
}

func (c Config) withDefaults() Config {
	if c.DrainTimeout == 0 {
		c.DrainTimeout = 30 * time.Second
	}
	return c
}

// Quality records how the final report was produced.
type Quality struct {
	ReportSource    string `json:"report_source"`
	DegradedStages  []int  `json:"degraded_stages,omitempty"`
	RejectedClaims  int    `json:"rejected_claims,omitempty"`
	ReplayUtterance int    `json:"replay_utterances,omitempty"`
}

// Result is the shape of result.json.
type Result struct {
	SessionID     string                        `json:"session_id"`
	GeneratedAtMS int64                         `json:"generated_at_ms"`
	Config        state.Config                  `json:"config"`
	Transcript    []inference.TranscriptLine    `json:"transcript"`
	Stats         []SpeakerStat                 `json:"stats"`
	Events        []inference.AnalysisEvent     `json:"events,omitempty"`
	Report        *inference.SynthesizeResponse `json:"report,omitempty"`
	Memos         []string                      `json:"memos,omitempty"`
	Quality       Quality                       `json:"quality"`
}

// Finalizer executes the pipeline for any session. One instance is
// shared; the orchestrator guarantees at most one Run per session at a
// time.
type Finalizer struct {
	states *state.Store
	chunks *chunkstore.Store
	inf    *inference.Client
	cfg    Config
	log    *slog.Logger
}

// New creates a Finalizer.
func New(states *state.Store, chunks *chunkstore.Store, inf *inference.Client, cfg Config, log *slog.Logger) *Finalizer {
	if log == nil {
		log = slog.Default()
	}
	return &Finalizer{states: states, chunks: chunks, inf: inf, cfg: cfg.withDefaults(), log: log}
}

// pipeline carries the in-flight artifacts between stages.
type pipeline struct {
	sessionID string
	drivers   Drivers

	merged  []state.Utterance
	stats   []SpeakerStat
	events  []inference.AnalysisEvent
	report  *inference.SynthesizeResponse
	memos   []string
	quality Quality
}

// Run executes the pipeline from wherever it last stopped. Re-invoking a
// completed finalize is a no-op that reports stage 9; a run that failed
// at stage 8 resumes at stage 8.
func (f *Finalizer) Run(ctx context.Context, sessionID string, drivers Drivers) (stage int, err error) {
	sess, err := f.states.Load(ctx, sessionID)
	if err != nil {
		return 0, err
	}
	if sess.Finalize.Stage >= 9 {
		return 9, nil
	}
	p := &pipeline{sessionID: sessionID, drivers: drivers}
	if err := f.restore(ctx, p, sess.Finalize.Stage); err != nil {
		return sess.Finalize.Stage, err
	}

	type stageFn struct {
		n    int
		name string
		fn   func(context.Context, *pipeline) (degraded bool, detail string, err error)
	}
	stages := []stageFn{
		{1, "freeze", f.stageFreeze},
		{2, "drain", f.stageDrain},
		{3, "replay", f.stageReplay},
		{4, "reconcile", f.stageReconcile},
		{5, "stats", f.stageStats},
		{6, "events", f.stageEvents},
		{7, "report", f.stageReport},
		{8, "persist", f.stagePersist},
		{9, "close", f.stageClose},
	}

	current := sess.Finalize.Stage
	for _, st := range stages {
		if st.n <= current {
			continue
		}
		degraded, detail, err := st.fn(ctx, p)
		if err != nil {
			f.log.Error("finalize stage failed",
				"session_id", sessionID, "stage", st.n, "name", st.name, "err", err)
			return current, fmt.Errorf("finalize: stage %d (%s): %w", st.n, st.name, err)
		}
		if degraded {
			p.quality.DegradedStages = append(p.quality.DegradedStages, st.n)
		}
		if err := f.commitStage(ctx, sessionID, st.n, st.name, degraded, detail); err != nil {
			return current, err
		}
		current = st.n
	}
	return current, nil
}

// commitStage persists stage completion and its event atomically.
func (f *Finalizer) commitStage(ctx context.Context, sessionID string, n int, name string, degraded bool, detail string) error {
	_, err := f.states.Update(ctx, sessionID, func(sess *state.Session) error {
		sess.Finalize.Stage = n
		sess.Finalize.StageResults = append(sess.Finalize.StageResults, state.StageResult{
			Stage:    n,
			Status:   "ok",
			Degraded: degraded,
			Detail:   detail,
			AtMS:     time.Now().UnixMilli(),
		})
		sess.AppendEvent(state.EventFinalizeStage, map[string]any{
			"stage":    n,
			"name":     name,
			"degraded": degraded,
			"detail":   detail,
		})
		return nil
	})
	return err
}

// restore reloads intermediate artifacts when resuming past their stages.
func (f *Finalizer) restore(ctx context.Context, p *pipeline, stage int) error {
	load := func(name string, into any) error {
		data, err := f.chunks.GetBlob(ctx, p.sessionID, name)
		if err != nil {
			return err
		}
		return json.Unmarshal(data, into)
	}
	if stage >= 4 {
		if err := load(BlobMerged, &p.merged); err != nil {
			return fmt.Errorf("finalize: restore merged view: %w", err)
		}
	}
	if stage >= 5 {
		if err := load(BlobStats, &p.stats); err != nil {
			return fmt.Errorf("finalize: restore stats: %w", err)
		}
	}
	if stage >= 7 {
		var saved struct {
			Report  *inference.SynthesizeResponse `json:"report"`
			Quality Quality                       `json:"quality"`
			Events  []inference.AnalysisEvent     `json:"events"`
			Memos   []string                      `json:"memos"`
		}
		if err := load(BlobReport, &saved); err != nil {
			return fmt.Errorf("finalize: restore report: %w", err)
		}
		p.report = saved.Report
		p.quality = saved.Quality
		p.events = saved.Events
		p.memos = saved.Memos
	}
	return nil
}

// Stage 1: mark the session as finalizing and stop drivers from reading
// new frames. Ingest keeps ACKing; the audio stays durable for replay.
func (f *Finalizer) stageFreeze(ctx context.Context, p *pipeline) (bool, string, error) {
	_, err := f.states.Update(ctx, p.sessionID, func(sess *state.Session) error {
		sess.Finalize.Requested = true
		if sess.Finalize.StartedAt == 0 {
			sess.Finalize.StartedAt = time.Now().UnixMilli()
		}
		return nil
	})
	if err != nil {
		return false, "", err
	}
	if p.drivers != nil {
		p.drivers.Freeze()
	}
	return false, "", nil
}

// Stage 2: wait for the drivers to flush their queues, bounded by the
// drain timeout; on timeout the pipeline proceeds with what is persisted.
func (f *Finalizer) stageDrain(ctx context.Context, p *pipeline) (bool, string, error) {
	if p.drivers == nil {
		return false, "no drivers", nil
	}
	deadline := time.Now().Add(f.cfg.DrainTimeout)
	for time.Now().Before(deadline) {
		total := 0
		for _, role := range state.Roles {
			total += p.drivers.Backlog(role)
		}
		if total == 0 {
			return false, "", nil
		}
		select {
		case <-ctx.Done():
			return false, "", ctx.Err()
		case <-time.After(200 * time.Millisecond):
		}
	}
	return true, "drain timeout", nil
}

// Stage 3: backfill streams whose emitted position trails ingest with a
// one-shot windowed pass. Upstream unavailability degrades the stage
// instead of failing the pipeline.
func (f *Finalizer) stageReplay(ctx context.Context, p *pipeline) (bool, string, error) {
	sess, err := f.states.Load(ctx, p.sessionID)
	if err != nil {
		return false, "", err
	}
	degraded := false
	recovered := 0
	for _, role := range state.Roles {
		lastEmitted := sess.Cursors[role].LastEmittedSeq
		lastSeq := sess.IngestByStream[role].LastSeq
		if lastEmitted >= lastSeq {
			continue
		}
		utts, err := asr.RunWindowed(ctx, f.cfg.Windowed, f.chunks, p.sessionID, role, lastEmitted+1, lastSeq, f.log)
		if err != nil {
			f.log.Warn("windowed replay failed, proceeding without backfill",
				"session_id", p.sessionID, "stream_role", string(role), "err", err)
			degraded = true
			continue
		}
		if len(utts) == 0 {
			continue
		}
		var applied []state.Utterance
		_, err = f.states.Update(ctx, p.sessionID, func(sess *state.Session) error {
			applied = applied[:0]
			for _, u := range utts {
				if sess.AppendUtterance(u) {
					applied = append(applied, u)
				}
			}
			cur := sess.Cursors[role]
			cur.LastEmittedSeq = lastSeq
			if cur.LastSentSeq < lastSeq {
				cur.LastSentSeq = lastSeq
			}
			sess.Cursors[role] = cur
			return nil
		})
		if err != nil {
			return false, "", err
		}
		recovered += len(applied)
		// Recovered utterances go through speaker resolution like any
		// realtime emission; a failed resolve leaves them unknown.
		if f.cfg.ResolveUtterance != nil {
			for _, u := range applied {
				if err := f.cfg.ResolveUtterance(ctx, p.sessionID, u); err != nil {
					f.log.Warn("resolve recovered utterance",
						"session_id", p.sessionID, "utterance_id", u.UtteranceID, "err", err)
				}
			}
		}
	}
	p.quality.ReplayUtterance = recovered
	detail := ""
	if recovered > 0 {
		detail = fmt.Sprintf("recovered %d utterances", recovered)
	}
	return degraded, detail, nil
}

// Stage 4: materialize the merged view and persist it.
func (f *Finalizer) stageReconcile(ctx context.Context, p *pipeline) (bool, string, error) {
	sess, err := f.states.Load(ctx, p.sessionID)
	if err != nil {
		return false, "", err
	}
	p.merged = transcript.Merged(sess, f.cfg.MergeOptions)
	p.memos = collectMemos(ctx, f.states, p.sessionID)
	data, err := json.Marshal(p.merged)
	if err != nil {
		return false, "", err
	}
	return false, fmt.Sprintf("%d lines", len(p.merged)), f.chunks.PutBlob(ctx, p.sessionID, BlobMerged, data)
}

// Stage 5: per-speaker stats over the merged view.
func (f *Finalizer) stageStats(ctx context.Context, p *pipeline) (bool, string, error) {
	p.stats = ComputeStats(p.merged)
	data, err := json.Marshal(p.stats)
	if err != nil {
		return false, "", err
	}
	return false, "", f.chunks.PutBlob(ctx, p.sessionID, BlobStats, data)
}

// Stage 6: structured event analysis. Circuit-open or failing upstream
// yields an empty event log and a degraded stage, never an abort.
func (f *Finalizer) stageEvents(ctx context.Context, p *pipeline) (bool, string, error) {
	if !f.cfg.AnalysisEnabled {
		return false, "analysis disabled", nil
	}
	req := inference.AnalysisEventsRequest{
		SessionID:  p.sessionID,
		Transcript: toLines(p.merged),
		Memos:      p.memos,
		Stats:      p.stats,
	}
	var resp inference.AnalysisEventsResponse
	if err := f.inf.Call(ctx, inference.EndpointAnalysisEvents, req, &resp); err != nil {
		if errors.Is(err, inference.ErrUpstreamUnavailable) {
			return true, "analysis unavailable, empty event log", nil
		}
		return false, "", err
	}
	p.events = resp.Events
	return false, fmt.Sprintf("%d events", len(resp.Events)), nil
}

// Stage 7: report synthesis with claim validation; any failure falls back
// to a memo-first report rather than blocking the pipeline.
func (f *Finalizer) stageReport(ctx context.Context, p *pipeline) (bool, string, error) {
	degraded, detail := f.synthesize(ctx, p)
	saved := struct {
		Report  *inference.SynthesizeResponse `json:"report"`
		Quality Quality                       `json:"quality"`
		Events  []inference.AnalysisEvent     `json:"events"`
		Memos   []string                      `json:"memos"`
	}{p.report, p.quality, p.events, p.memos}
	data, err := json.Marshal(saved)
	if err != nil {
		return false, "", err
	}
	return degraded, detail, f.chunks.PutBlob(ctx, p.sessionID, BlobReport, data)
}

func (f *Finalizer) synthesize(ctx context.Context, p *pipeline) (degraded bool, detail string) {
	if !f.cfg.AnalysisEnabled {
		p.report = memoFirstReport(p)
		p.quality.ReportSource = ReportSourceMemoFirst
		return false, "analysis disabled"
	}

	evidence, ids := buildEvidence(p.merged, p.memos)
	sess, err := f.states.Load(ctx, p.sessionID)
	if err != nil {
		p.report = memoFirstReport(p)
		p.quality.ReportSource = ReportSourceMemoFirst
		return true, "state unavailable"
	}
	req := inference.SynthesizeRequest{
		SessionID:  p.sessionID,
		Transcript: toLines(p.merged),
		Memos:      p.memos,
		Evidence:   evidence,
		Stats:      p.stats,
		Events:     p.events,
	}
	for _, d := range sess.Config.Rubric {
		req.Rubric = append(req.Rubric, inference.RubricIn{Name: d.Name, Description: d.Description})
	}

	var resp inference.SynthesizeResponse
	if err := f.inf.Call(ctx, inference.EndpointSynthesize, req, &resp); err != nil {
		f.log.Warn("synthesis failed, falling back to memo-first report",
			"session_id", p.sessionID, "err", err)
		p.report = memoFirstReport(p)
		p.quality.ReportSource = ReportSourceMemoFirst
		return true, "synthesis unavailable"
	}

	rejected := validateClaims(&resp, ids)
	p.report = &resp
	p.quality.ReportSource = ReportSourceSynthesis
	p.quality.RejectedClaims = rejected
	if rejected > 0 {
		return false, fmt.Sprintf("rejected %d unsupported claims", rejected)
	}
	return false, ""
}

// Stage 8: assemble and persist result.json. This is the only stage whose
// failure is fatal; the session stays at stage 7 so a retry resumes here.
func (f *Finalizer) stagePersist(ctx context.Context, p *pipeline) (bool, string, error) {
	sess, err := f.states.Load(ctx, p.sessionID)
	if err != nil {
		return false, "", err
	}
	if p.quality.ReportSource == "" {
		p.quality.ReportSource = ReportSourceMemoFirst
	}
	result := Result{
		SessionID:     p.sessionID,
		GeneratedAtMS: time.Now().UnixMilli(),
		Config:        sess.Config,
		Transcript:    toLines(p.merged),
		Stats:         p.stats,
		Events:        p.events,
		Report:        p.report,
		Memos:         p.memos,
		Quality:       p.quality,
	}
	data, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return false, "", err
	}
	if err := f.chunks.PutBlob(ctx, p.sessionID, BlobResult, data); err != nil {
		return false, "", fmt.Errorf("write result.json: %w", err)
	}
	return false, "", nil
}

// Stage 9: the session becomes final; later ingest is rejected.
func (f *Finalizer) stageClose(ctx context.Context, p *pipeline) (bool, string, error) {
	_, err := f.states.Update(ctx, p.sessionID, func(sess *state.Session) error {
		sess.Finalized = true
		return nil
	})
	return false, "", err
}

// collectMemos pulls operator mark events out of the session log.
func collectMemos(ctx context.Context, states *state.Store, sessionID string) []string {
	events, err := states.Events(ctx, sessionID, 0)
	if err != nil {
		return nil
	}
	var memos []string
	for _, ev := range events {
		if ev.Kind != state.EventMark {
			continue
		}
		if note, ok := ev.Payload["note"].(string); ok && note != "" {
			memos = append(memos, note)
		}
	}
	return memos
}

func toLines(utts []state.Utterance) []inference.TranscriptLine {
	lines := make([]inference.TranscriptLine, 0, len(utts))
	for _, u := range utts {
		speaker := u.SpeakerName
		if speaker == "" {
			speaker = "unknown"
		}
		lines = append(lines, inference.TranscriptLine{
			Speaker: speaker,
			Text:    u.Text,
			StartMS: u.StartMS,
			EndMS:   u.EndMS,
		})
	}
	return lines
}

// buildEvidence numbers every transcript line and memo as citable
// evidence for synthesis.
func buildEvidence(lines []state.Utterance, memos []string) ([]inference.Evidence, map[string]bool) {
	var out []inference.Evidence
	ids := make(map[string]bool)
	for i, u := range lines {
		id := fmt.Sprintf("ev_%04d", i+1)
		ids[id] = true
		out = append(out, inference.Evidence{
			EvidenceID: id,
			Kind:       "transcript",
			Text:       u.Text,
			Speaker:    u.SpeakerName,
			StartMS:    u.StartMS,
			EndMS:      u.EndMS,
		})
	}
	for i, m := range memos {
		id := fmt.Sprintf("memo_%04d", i+1)
		ids[id] = true
		out = append(out, inference.Evidence{EvidenceID: id, Kind: "memo", Text: m})
	}
	return out, ids
}

// validateClaims drops every claim whose evidence refs are empty or point
// outside the supplied pack; returns how many were dropped.
func validateClaims(resp *inference.SynthesizeResponse, ids map[string]bool) int {
	rejected := 0
	for di := range resp.Dimensions {
		kept := resp.Dimensions[di].Claims[:0]
		for _, claim := range resp.Dimensions[di].Claims {
			if len(claim.EvidenceRefs) == 0 {
				rejected++
				continue
			}
			valid := true
			for _, ref := range claim.EvidenceRefs {
				if !ids[ref] {
					valid = false
					break
				}
			}
			if !valid {
				rejected++
				continue
			}
			kept = append(kept, claim)
		}
		resp.Dimensions[di].Claims = kept
	}
	return rejected
}

// memoFirstReport assembles the fallback report: one dimension per memo
// plus a transcript summary line, no model claims.
func memoFirstReport(p *pipeline) *inference.SynthesizeResponse {
	report := &inference.SynthesizeResponse{
		Summary: fmt.Sprintf("memo-first report: %d transcript lines, %d memos", len(p.merged), len(p.memos)),
	}
	if len(p.memos) > 0 {
		dim := inference.DimensionReport{Dimension: "memos"}
		for i, m := range p.memos {
			dim.Claims = append(dim.Claims, inference.Claim{
				Text:         m,
				EvidenceRefs: []string{fmt.Sprintf("memo_%04d", i+1)},
			})
		}
		report.Dimensions = append(report.Dimensions, dim)
	}
	return report
}
