package gateway

import (
	"context"
	"encoding/base64"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/BilltheChurch/Interview-feedback-sub005/pkg/chunkstore"
	"github.com/BilltheChurch/Interview-feedback-sub005/pkg/pcm"
	"github.com/BilltheChurch/Interview-feedback-sub005/pkg/state"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  64 * 1024,
	WriteBufferSize: 16 * 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// clientFrame is the tagged variant for every inbound JSON frame; it is
// decoded once at the boundary and dispatched statically.
type clientFrame struct {
	Type       string `json:"type"`
	StreamRole string `json:"stream_role,omitempty"`
	MeetingID  string `json:"meeting_id,omitempty"`

	// hello
	SampleRate           int      `json:"sample_rate,omitempty"`
	Channels             int      `json:"channels,omitempty"`
	Format               string   `json:"format,omitempty"`
	CaptureMode          string   `json:"capture_mode,omitempty"`
	InterviewerName      string   `json:"interviewer_name,omitempty"`
	TeamsInterviewerName string   `json:"teams_interviewer_name,omitempty"`
	TeamsParticipants    []string `json:"teams_participants,omitempty"`

	// chunk
	Seq         int    `json:"seq,omitempty"`
	TimestampMS int64  `json:"timestamp_ms,omitempty"`
	ContentB64  string `json:"content_b64,omitempty"`

	// enrollment
	ParticipantName string `json:"participant_name,omitempty"`
	Action          string `json:"action,omitempty"` // start | stop

	// mark / close
	Note   string `json:"note,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// serverFrame is every outbound JSON frame.
type serverFrame struct {
	Type    string `json:"type"`
	Seq     int    `json:"seq,omitempty"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// handleIngest runs the per-connection ingest protocol: an authenticated
// upgrade, a mandatory hello, then chunk/mark/enrollment/close frames.
// Protocol errors answer with an error frame and keep the connection;
// only auth and resource failures close it.
func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	sessionID := vars["session_id"]
	role := state.Role(vars["stream_role"])

	if !s.authorized(r) {
		// Upgrade first so the close code reaches the client.
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "bad api key"),
			time.Now().Add(time.Second))
		conn.Close()
		return
	}
	if !role.Valid() {
		writeError(w, http.StatusBadRequest, "bad_stream_role", "stream_role must be teacher or students")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", "err", err)
		return
	}
	defer conn.Close()

	log := s.log.With("session_id", sessionID, "stream_role", string(role))
	if err := s.ingestLoop(r, conn, sessionID, role, log); err != nil {
		var closeErr *websocket.CloseError
		if !errors.As(err, &closeErr) {
			log.Warn("ingest connection ended", "err", err)
		}
	}
}

func (s *Server) ingestLoop(r *http.Request, conn *websocket.Conn, sessionID string, role state.Role, log *slog.Logger) error {
	ctx := r.Context()

	// First frame must be hello.
	var hello clientFrame
	if err := conn.ReadJSON(&hello); err != nil {
		return err
	}
	if hello.Type != "hello" {
		conn.WriteJSON(serverFrame{Type: "error", Code: "protocol", Message: "expected hello"})
		return errors.New("gateway: first frame was not hello")
	}

	s.mgr.Attach(ctx, sessionID)
	_, err := s.mgr.States().Update(ctx, sessionID, func(sess *state.Session) error {
		sess.CaptureByStream[role].CaptureState = "connecting"
		if hello.InterviewerName != "" {
			sess.Config.InterviewerName = hello.InterviewerName
		}
		if hello.TeamsInterviewerName != "" {
			sess.Config.TeamsInterviewerName = hello.TeamsInterviewerName
		}
		if len(hello.TeamsParticipants) > 0 {
			sess.Config.TeamsParticipants = hello.TeamsParticipants
		}
		return nil
	})
	if err != nil {
		closeResource(conn, err)
		return err
	}
	if err := conn.WriteJSON(serverFrame{Type: "ready"}); err != nil {
		return err
	}
	log.Info("ingest stream ready", "capture_mode", hello.CaptureMode)

	for {
		var frame clientFrame
		if err := conn.ReadJSON(&frame); err != nil {
			return err
		}
		switch frame.Type {
		case "chunk":
			if err := s.handleChunk(ctx, conn, sessionID, role, frame); err != nil {
				closeResource(conn, err)
				return err
			}
		case "mark":
			_, err := s.mgr.States().Update(ctx, sessionID, func(sess *state.Session) error {
				sess.AppendEvent(state.EventMark, map[string]any{
					"stream_role": string(role),
					"note":        frame.Note,
				})
				return nil
			})
			if err != nil {
				closeResource(conn, err)
				return err
			}
		case "enrollment":
			s.handleEnrollmentFrame(ctx, conn, sessionID, frame)
		case "close":
			log.Info("ingest stream closed by client", "reason", frame.Reason)
			s.mgr.States().Update(ctx, sessionID, func(sess *state.Session) error {
				sess.CaptureByStream[role].CaptureState = "closed"
				return nil
			})
			return nil
		default:
			conn.WriteJSON(serverFrame{Type: "error", Code: "protocol",
				Message: "unknown frame type " + frame.Type})
		}
	}
}

// handleChunk validates, persists, accounts, and forwards one audio
// chunk, then ACKs. Validation failures answer an error frame and keep
// the connection; only store failures propagate.
func (s *Server) handleChunk(ctx context.Context, conn *websocket.Conn, sessionID string, role state.Role, frame clientFrame) error {
	data, err := base64.StdEncoding.DecodeString(frame.ContentB64)
	if err != nil || !pcm.ValidChunk(data) || frame.Seq < 1 {
		conn.WriteJSON(serverFrame{Type: "error", Seq: frame.Seq, Code: "invalid_chunk",
			Message: "content must decode to one second of mono PCM16"})
		return nil
	}

	sess, err := s.mgr.States().Load(ctx, sessionID)
	if err != nil {
		return err
	}
	if sess.Finalized {
		conn.WriteJSON(serverFrame{Type: "error", Seq: frame.Seq, Code: "session_finalized",
			Message: "session is final"})
		return nil
	}

	if err := s.mgr.Chunks().Put(ctx, sessionID, string(role), frame.Seq, data); err != nil {
		if errors.Is(err, chunkstore.ErrConflictingContent) {
			conn.WriteJSON(serverFrame{Type: "error", Seq: frame.Seq, Code: "chunk_conflict",
				Message: "seq already stored with different bytes"})
			return nil
		}
		return err
	}

	_, err = s.mgr.States().Update(ctx, sessionID, func(sess *state.Session) error {
		st := sess.IngestByStream[role]
		st.ChunksReceived++
		st.ObserveSeq(frame.Seq)
		st.BytesStored += int64(len(data))
		now := time.Now().UnixMilli()
		if st.FirstTSMS == 0 {
			st.FirstTSMS = now
		}
		st.LastTSMS = now
		sess.CaptureByStream[role].CaptureState = "capturing"
		return nil
	})
	if err != nil {
		return err
	}

	// Never blocks: a saturated driver queue drops its oldest frame.
	s.mgr.Enqueue(sessionID, role, frame.Seq, data)

	return conn.WriteJSON(serverFrame{Type: "ack", Seq: frame.Seq})
}

func (s *Server) handleEnrollmentFrame(ctx context.Context, conn *websocket.Conn, sessionID string, frame clientFrame) {
	var err error
	switch frame.Action {
	case "start":
		err = s.mgr.Resolver().StartEnrollment(ctx, sessionID, frame.ParticipantName)
	case "stop":
		err = s.mgr.Resolver().StopEnrollment(ctx, sessionID)
	default:
		conn.WriteJSON(serverFrame{Type: "error", Code: "protocol",
			Message: "enrollment action must be start or stop"})
		return
	}
	if err != nil {
		conn.WriteJSON(serverFrame{Type: "error", Code: "enrollment_failed", Message: err.Error()})
	}
}

// closeResource closes the socket with 1011 for store-level failures.
func closeResource(conn *websocket.Conn, err error) {
	if errors.Is(err, state.ErrStoreUnavailable) || errors.Is(err, state.ErrSessionCorrupt) {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "store unavailable"),
			time.Now().Add(time.Second))
	}
}
