package finalize

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/gorilla/websocket"

	"github.com/BilltheChurch/Interview-feedback-sub005/pkg/asr"
	"github.com/BilltheChurch/Interview-feedback-sub005/pkg/chunkstore"
	"github.com/BilltheChurch/Interview-feedback-sub005/pkg/inference"
	"github.com/BilltheChurch/Interview-feedback-sub005/pkg/kv"
	"github.com/BilltheChurch/Interview-feedback-sub005/pkg/state"
	"github.com/BilltheChurch/Interview-feedback-sub005/pkg/storage"
)

type fakeDrivers struct {
	frozen  bool
	backlog int
}

func (d *fakeDrivers) Freeze()                     { d.frozen = true }
func (d *fakeDrivers) Backlog(role state.Role) int { return d.backlog }

// analysisServer serves the two analysis endpoints; synthesizeStatus lets
// tests force an outage.
func analysisServer(t *testing.T, synthesizeStatus int, claims []inference.Claim) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/analysis/events", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(inference.AnalysisEventsResponse{
			Events: []inference.AnalysisEvent{{Kind: "question", TSMS: 1000}},
		})
	})
	mux.HandleFunc("/analysis/synthesize", func(w http.ResponseWriter, r *http.Request) {
		if synthesizeStatus != http.StatusOK {
			http.Error(w, "down", synthesizeStatus)
			return
		}
		json.NewEncoder(w).Encode(inference.SynthesizeResponse{
			Dimensions: []inference.DimensionReport{{Dimension: "communication", Claims: claims}},
			Summary:    "ok",
		})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func fixture(t *testing.T, infURL string, cfg Config) (*Finalizer, *state.Store, *chunkstore.Store) {
	t.Helper()
	db := kv.NewMemory(nil)
	t.Cleanup(func() { db.Close() })
	states := state.NewStore(db, nil)
	chunks := chunkstore.New(storage.NewMemory())
	inf := inference.NewClient(inference.Config{PrimaryURL: infURL, RetryMax: 1, RetryBackoff: 1})
	return New(states, chunks, inf, cfg, nil), states, chunks
}

// seedSession creates a session with a short attributed conversation and
// one memo; cursors are caught up so stage 3 has nothing to backfill.
func seedSession(t *testing.T, states *state.Store) {
	t.Helper()
	_, err := states.Update(context.Background(), "s1", func(sess *state.Session) error {
		sess.Config.InterviewerName = "Carol"
		sess.AppendUtterance(state.Utterance{
			UtteranceID: "u1", StreamRole: state.RoleTeacher, SpeakerName: "Carol",
			Decision: state.DecisionConfirm, Text: "tell me about your project",
			StartMS: 0, EndMS: 2000, IsFinal: true,
		})
		sess.AppendUtterance(state.Utterance{
			UtteranceID: "u2", StreamRole: state.RoleStudents, SpeakerName: "Alice",
			Decision: state.DecisionConfirm, Text: "I built a compiler",
			StartMS: 2500, EndMS: 5000, IsFinal: true,
		})
		sess.IngestByStream[state.RoleTeacher].LastSeq = 2
		sess.IngestByStream[state.RoleStudents].LastSeq = 5
		sess.Cursors[state.RoleTeacher] = state.ReplayCursor{LastSentSeq: 2, LastEmittedSeq: 2}
		sess.Cursors[state.RoleStudents] = state.ReplayCursor{LastSentSeq: 5, LastEmittedSeq: 5}
		sess.AppendEvent(state.EventMark, map[string]any{"note": "strong system design answer"})
		return nil
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
}

func TestComputeStats(t *testing.T) {
	lines := []state.Utterance{
		{SpeakerName: "Carol", StartMS: 0, EndMS: 2000},
		{SpeakerName: "Alice", StartMS: 2500, EndMS: 5000},
		{SpeakerName: "Carol", StartMS: 4000, EndMS: 6000}, // starts inside Alice's turn
	}
	stats := ComputeStats(lines)
	if len(stats) != 2 {
		t.Fatalf("stats = %+v", stats)
	}
	var carol, alice SpeakerStat
	for _, st := range stats {
		switch st.Speaker {
		case "Carol":
			carol = st
		case "Alice":
			alice = st
		}
	}
	if carol.TalkTimeMS != 4000 || carol.Turns != 2 || carol.Interruptions != 1 {
		t.Fatalf("carol = %+v", carol)
	}
	if alice.TalkTimeMS != 2500 || alice.Turns != 1 || alice.Interruptions != 0 {
		t.Fatalf("alice = %+v", alice)
	}
}

func TestPipelineHappyPath(t *testing.T) {
	srv := analysisServer(t, http.StatusOK, []inference.Claim{
		{Text: "clear explanation", EvidenceRefs: []string{"ev_0002"}},
	})
	f, states, chunks := fixture(t, srv.URL, Config{AnalysisEnabled: true})
	seedSession(t, states)
	drivers := &fakeDrivers{}

	ctx := context.Background()
	stage, err := f.Run(ctx, "s1", drivers)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if stage != 9 || !drivers.frozen {
		t.Fatalf("stage=%d frozen=%v", stage, drivers.frozen)
	}

	data, err := chunks.GetBlob(ctx, "s1", BlobResult)
	if err != nil {
		t.Fatalf("GetBlob: %v", err)
	}
	var result Result
	if err := json.Unmarshal(data, &result); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	if result.Quality.ReportSource != ReportSourceSynthesis {
		t.Fatalf("report_source = %q", result.Quality.ReportSource)
	}
	if len(result.Transcript) != 2 || len(result.Stats) != 2 {
		t.Fatalf("result = %+v", result)
	}
	if len(result.Memos) != 1 || !strings.Contains(result.Memos[0], "system design") {
		t.Fatalf("memos = %v", result.Memos)
	}
	if len(result.Events) != 1 {
		t.Fatalf("events = %+v", result.Events)
	}

	sess, _ := states.Load(ctx, "s1")
	if !sess.Finalized || sess.Finalize.Stage != 9 {
		t.Fatalf("session = finalized=%v stage=%d", sess.Finalized, sess.Finalize.Stage)
	}
	if len(sess.Finalize.StageResults) != 9 {
		t.Fatalf("stage results = %+v", sess.Finalize.StageResults)
	}

	// Finalize twice yields one identical result.json.
	stage, err = f.Run(ctx, "s1", drivers)
	if err != nil || stage != 9 {
		t.Fatalf("second Run: stage=%d err=%v", stage, err)
	}
	again, _ := chunks.GetBlob(ctx, "s1", BlobResult)
	if !bytes.Equal(data, again) {
		t.Fatal("result.json changed on repeated finalize")
	}
}

// Synthesis outage: stages 1-6 complete, stage 7 falls back to the
// memo-first report, stages 8-9 still complete.
func TestPipelineMemoFirstFallback(t *testing.T) {
	srv := analysisServer(t, http.StatusServiceUnavailable, nil)
	f, states, chunks := fixture(t, srv.URL, Config{AnalysisEnabled: true})
	seedSession(t, states)

	ctx := context.Background()
	stage, err := f.Run(ctx, "s1", &fakeDrivers{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if stage != 9 {
		t.Fatalf("stage = %d", stage)
	}

	data, _ := chunks.GetBlob(ctx, "s1", BlobResult)
	var result Result
	json.Unmarshal(data, &result)
	if result.Quality.ReportSource != ReportSourceMemoFirst {
		t.Fatalf("report_source = %q", result.Quality.ReportSource)
	}
	if result.Report == nil || len(result.Report.Dimensions) != 1 {
		t.Fatalf("fallback report = %+v", result.Report)
	}
	// Memo claims cite memo evidence.
	if refs := result.Report.Dimensions[0].Claims[0].EvidenceRefs; len(refs) == 0 {
		t.Fatal("memo claim without evidence ref")
	}
}

func TestClaimValidationRejectsBadRefs(t *testing.T) {
	srv := analysisServer(t, http.StatusOK, []inference.Claim{
		{Text: "good", EvidenceRefs: []string{"ev_0001"}},
		{Text: "no refs", EvidenceRefs: nil},
		{Text: "bad ref", EvidenceRefs: []string{"ev_9999"}},
	})
	f, states, chunks := fixture(t, srv.URL, Config{AnalysisEnabled: true})
	seedSession(t, states)

	ctx := context.Background()
	if _, err := f.Run(ctx, "s1", &fakeDrivers{}); err != nil {
		t.Fatalf("Run: %v", err)
	}
	data, _ := chunks.GetBlob(ctx, "s1", BlobResult)
	var result Result
	json.Unmarshal(data, &result)
	if result.Quality.RejectedClaims != 2 {
		t.Fatalf("rejected = %d, want 2", result.Quality.RejectedClaims)
	}
	if len(result.Report.Dimensions[0].Claims) != 1 {
		t.Fatalf("claims = %+v", result.Report.Dimensions[0].Claims)
	}
}

// failingStore wedges writes of one path to simulate a stage-8 outage.
type failingStore struct {
	storage.FileStore
	failPath string
	fail     bool
}

func (s *failingStore) Write(ctx context.Context, path string) (io.WriteCloser, error) {
	if s.fail && strings.HasSuffix(path, s.failPath) {
		return nil, io.ErrClosedPipe
	}
	return s.FileStore.Write(ctx, path)
}

// A stage-8 failure leaves the session at stage 7; the retry resumes from
// stage 8 with the intermediate artifacts restored from blobs.
func TestStage8FailureResumes(t *testing.T) {
	srv := analysisServer(t, http.StatusOK, []inference.Claim{
		{Text: "fine", EvidenceRefs: []string{"ev_0001"}},
	})
	db := kv.NewMemory(nil)
	t.Cleanup(func() { db.Close() })
	states := state.NewStore(db, nil)
	fs := &failingStore{FileStore: storage.NewMemory(), failPath: BlobResult, fail: true}
	chunks := chunkstore.New(fs)
	inf := inference.NewClient(inference.Config{PrimaryURL: srv.URL, RetryMax: 1, RetryBackoff: 1})
	f := New(states, chunks, inf, Config{AnalysisEnabled: true}, nil)
	seedSession(t, states)

	ctx := context.Background()
	if _, err := f.Run(ctx, "s1", &fakeDrivers{}); err == nil {
		t.Fatal("expected stage 8 failure")
	}
	sess, _ := states.Load(ctx, "s1")
	if sess.Finalize.Stage != 7 || sess.Finalized {
		t.Fatalf("stage=%d finalized=%v, want 7/false", sess.Finalize.Stage, sess.Finalized)
	}

	fs.fail = false
	stage, err := f.Run(ctx, "s1", &fakeDrivers{})
	if err != nil || stage != 9 {
		t.Fatalf("retry: stage=%d err=%v", stage, err)
	}
	data, err := chunks.GetBlob(ctx, "s1", BlobResult)
	if err != nil {
		t.Fatalf("GetBlob: %v", err)
	}
	var result Result
	json.Unmarshal(data, &result)
	if result.Quality.ReportSource != ReportSourceSynthesis || len(result.Transcript) != 2 {
		t.Fatalf("restored result = %+v", result.Quality)
	}
}

// Unreachable ASR upstream degrades stage 3 instead of failing finalize.
func TestReplayDegradesWhenUpstreamDown(t *testing.T) {
	srv := analysisServer(t, http.StatusOK, nil)
	f, states, chunks := fixture(t, srv.URL, Config{
		AnalysisEnabled: false,
		Windowed:        asr.WindowedConfig{URL: "ws://127.0.0.1:1", WindowSeconds: 2, HopSeconds: 2},
	})
	ctx := context.Background()
	_, err := states.Update(ctx, "s1", func(sess *state.Session) error {
		sess.IngestByStream[state.RoleStudents].LastSeq = 2
		return nil
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	for seq := 1; seq <= 2; seq++ {
		if err := chunks.Put(ctx, "s1", "students", seq, []byte{byte(seq)}); err != nil {
			t.Fatalf("Put: %v", err)
		}
	}

	stage, err := f.Run(ctx, "s1", &fakeDrivers{})
	if err != nil || stage != 9 {
		t.Fatalf("Run: stage=%d err=%v", stage, err)
	}
	sess, _ := states.Load(ctx, "s1")
	var replay state.StageResult
	for _, sr := range sess.Finalize.StageResults {
		if sr.Stage == 3 {
			replay = sr
		}
	}
	if !replay.Degraded {
		t.Fatalf("stage 3 result = %+v, want degraded", replay)
	}
}

// transcribeUpstream fakes the recognizer for one windowed task: consume
// audio until finish-task, then answer with a single final result.
func transcribeUpstream(t *testing.T, text string) string {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer c.Close()
		var rt asr.RunTask
		if err := c.ReadJSON(&rt); err != nil {
			t.Errorf("read run-task: %v", err)
			return
		}
		c.WriteJSON(asr.Event{Event: asr.EventTaskStarted})
		for {
			mt, data, err := c.ReadMessage()
			if err != nil {
				return
			}
			if mt == websocket.TextMessage && strings.Contains(string(data), "finish-task") {
				break
			}
		}
		c.WriteJSON(asr.Event{Event: asr.EventResultGenerated, Text: text, OffsetMS: 0, DurationMS: 1800})
		c.WriteJSON(asr.Event{Event: asr.EventTaskFinished})
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// Utterances recovered by the stage-3 backfill go through the same
// resolution entry point as realtime emissions instead of staying
// unknown.
func TestReplayResolvesRecoveredUtterances(t *testing.T) {
	wsURL := transcribeUpstream(t, "I built a compiler")

	var mu sync.Mutex
	var resolved []string
	var states *state.Store
	cfg := Config{
		Windowed: asr.WindowedConfig{URL: wsURL, WindowSeconds: 4, HopSeconds: 4},
		ResolveUtterance: func(ctx context.Context, sessionID string, u state.Utterance) error {
			mu.Lock()
			resolved = append(resolved, u.UtteranceID)
			mu.Unlock()
			_, err := states.Update(ctx, sessionID, func(sess *state.Session) error {
				list := sess.UtterancesByStream[u.StreamRole]
				for i := range list {
					if list[i].UtteranceID == u.UtteranceID {
						list[i].SpeakerName = "Alice"
						list[i].Decision = state.DecisionConfirm
					}
				}
				return nil
			})
			return err
		},
	}
	f, st, chunks := fixture(t, "http://127.0.0.1:1", cfg)
	states = st

	ctx := context.Background()
	_, err := states.Update(ctx, "s1", func(sess *state.Session) error {
		sess.IngestByStream[state.RoleStudents].LastSeq = 2
		return nil
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	for seq := 1; seq <= 2; seq++ {
		if err := chunks.Put(ctx, "s1", "students", seq, []byte{byte(seq)}); err != nil {
			t.Fatalf("Put: %v", err)
		}
	}

	stage, err := f.Run(ctx, "s1", &fakeDrivers{})
	if err != nil || stage != 9 {
		t.Fatalf("Run: stage=%d err=%v", stage, err)
	}

	mu.Lock()
	nresolved := len(resolved)
	mu.Unlock()
	if nresolved != 1 {
		t.Fatalf("resolved %d utterances, want 1", nresolved)
	}
	sess, _ := states.Load(ctx, "s1")
	utts := sess.UtterancesByStream[state.RoleStudents]
	if len(utts) != 1 || utts[0].Text != "I built a compiler" {
		t.Fatalf("utterances = %+v", utts)
	}
	if utts[0].SpeakerName != "Alice" || utts[0].Decision != state.DecisionConfirm {
		t.Fatalf("recovered utterance not attributed: %+v", utts[0])
	}

	data, _ := chunks.GetBlob(ctx, "s1", BlobResult)
	var result Result
	json.Unmarshal(data, &result)
	if result.Quality.ReplayUtterance != 1 {
		t.Fatalf("replay_utterances = %d, want 1", result.Quality.ReplayUtterance)
	}
}
