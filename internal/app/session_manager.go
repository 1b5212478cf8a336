// Package app owns the Session Manager (§4.1): the in-memory registry of
// live sessions, their transports, cancellation tokens, and heartbeats, plus
// the admission and close paths that every other entry point (the Edge
// websocket layer, the Heartbeat Monitor, process shutdown) drives through.
//
// Grounded on the teacher's internal/agent/orchestrator.Orchestrator for the
// map-of-live-entities + RWMutex + snapshot-under-lock-then-release-before-IO
// discipline, generalized from a single Discord voice session's NPC registry
// to a registry of N concurrent conversation sessions keyed by session_id.
package app

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hula0401/marketvoice/internal/agent"
	"github.com/hula0401/marketvoice/pkg/memory"
	"github.com/hula0401/marketvoice/pkg/provider/stt"
	"github.com/hula0401/marketvoice/pkg/types"
)

// ErrUserUnknown is returned by Admit when userID is empty (§4.1: "Fails
// with UserUnknown if no such user and the deployment requires authenticated
// users"). Deployments that authenticate upstream of the core never hit this;
// it exists as the boundary check the core itself can make.
var ErrUserUnknown = errors.New("app: user unknown")

// ErrSessionNotFound is returned when an operation targets a session_id the
// registry does not (or no longer) has a live entry for.
var ErrSessionNotFound = errors.New("app: session not found")

// ErrAlreadyAttached is returned by Attach when a transport is already bound
// to the session (§4.1).
var ErrAlreadyAttached = errors.New("app: transport already attached")

// sessionState is the per-session state machine of §4.1.
type sessionState int

const (
	stateOpen sessionState = iota
	stateStreaming
	stateClosing
	stateClosed
)

// Transport is the outbound half of a session's bound connection (§6). The
// Edge websocket layer implements it; SendFrame delivers one tagged server
// frame (connected, transcription, voice_response, tts_chunk,
// streaming_complete, streaming_interrupted, error) to the client.
type Transport interface {
	SendFrame(event string, payload any) error
	Close() error
}

// Finalizer triggers the Memory Manager's per-session finalize path (§4.6)
// from the close path. Satisfied by *internal/memorymgr.Manager.
type Finalizer interface {
	Finalize(ctx context.Context, sessionID, userID string) error
}

// TranscriptLogger records the session transcript and footer (§4.7).
// Satisfied by *internal/sessionlog.Logger.
type TranscriptLogger interface {
	Open(sessionID, userID, source string, startedAt time.Time)
	LogQuery(sessionID, text, source string, at time.Time)
	LogResponse(sessionID string, out types.TurnOutput)
	Close(sessionID string, endedAt time.Time, durationSeconds float64)
}

// GraphRunner is the subset of *internal/agent.Graph the session manager
// drives, one turn at a time, per session.
type GraphRunner interface {
	Run(ctx context.Context, in types.TurnInput, recent []types.Message, wantAudio bool) (types.TurnOutput, error)
}

var _ GraphRunner = (*agent.Graph)(nil)

// FrameKind enumerates the client frame events of §6 that reach on_frame.
type FrameKind string

const (
	FrameText      FrameKind = "text"
	FrameAudio     FrameKind = "audio_chunk"
	FrameHeartbeat FrameKind = "heartbeat"
	FrameInterrupt FrameKind = "interrupt"
	FrameSettings  FrameKind = "settings"
)

// InboundFrame is one client frame dispatched through OnFrame (§6).
type InboundFrame struct {
	Kind FrameKind

	// Text carries the utterance for FrameText.
	Text string

	// Audio, SampleRate, and IsFinal carry one chunk of microphone audio for
	// FrameAudio; Format is advisory (wav/opus) and not otherwise consumed
	// here — decoding happens before the core sees the bytes.
	Audio      []byte
	SampleRate int
	Format     types.AudioFormat
	IsFinal    bool

	// Reason carries the client's stated cause for FrameInterrupt.
	Reason string

	// Settings carries the raw key/value map for FrameSettings (§6 table).
	Settings map[string]string
}

// session is the in-memory registry entry for one live conversation (§3,
// §4.1). All mutable fields are guarded by mu; id, userID, source, startedAt,
// input, ctx, and doneCh are set once at construction and never change.
type session struct {
	id        string
	userID    string
	source    string
	startedAt time.Time

	mu              sync.Mutex
	state           sessionState
	lastHeartbeatAt time.Time
	transport       Transport
	settings        types.SessionSettings
	recent          []types.Message
	sequence        int

	sttSession stt.SessionHandle

	// generation is bumped on every interrupt; activeGen latches the
	// generation a turn started with. A chunk or result belonging to a stale
	// generation is discarded (I4) even if the adapter races past ctx
	// cancellation.
	generation uint64
	activeGen  uint64
	turnCancel context.CancelFunc

	input chan InboundFrame // FIFO, serializes turns within the session (§5)

	ctx    context.Context
	cancel context.CancelFunc
	doneCh chan struct{}
}

// Config wires the Session Manager's collaborators. Store, Messages,
// Finalizer, Logger, and STT are optional; a nil value simply skips that
// side effect (useful for tests and minimal deployments).
type Config struct {
	Store     memory.SessionStore
	Messages  memory.MessageStore
	Graph     GraphRunner
	Finalizer Finalizer
	Logger    TranscriptLogger
	STT       stt.Provider

	IdleLimit        time.Duration
	TurnDeadline     time.Duration
	FinalizeDeadline time.Duration

	// RecentHistory bounds how many prior turns (as message pairs) are kept
	// in memory and passed as stage-1 context. Defaults to 10.
	RecentHistory int
}

func (c *Config) applyDefaults() {
	if c.IdleLimit <= 0 {
		c.IdleLimit = 120 * time.Second
	}
	if c.TurnDeadline <= 0 {
		c.TurnDeadline = 120 * time.Second
	}
	if c.FinalizeDeadline <= 0 {
		c.FinalizeDeadline = 30 * time.Second
	}
	if c.RecentHistory <= 0 {
		c.RecentHistory = 10
	}
}

// Manager owns the in-memory registry of live sessions (§4.1) and is the
// single entry point every transport, timer, and shutdown path closes
// sessions through.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*session

	cfg Config
}

var _ agent.AudioEmitter = (*Manager)(nil)

// NewManager builds a Manager. cfg.Graph should not be nil in production,
// though a nil Graph is tolerated for tests that only exercise admission and
// close semantics.
func NewManager(cfg Config) *Manager {
	cfg.applyDefaults()
	return &Manager{
		sessions: make(map[string]*session),
		cfg:      cfg,
	}
}

// Admit implements §4.1's admit(user_id, source) → session_id: inserts a row
// with is_active=true and returns the server-issued session_id.
func (m *Manager) Admit(ctx context.Context, userID, source string) (string, error) {
	if userID == "" {
		return "", ErrUserUnknown
	}

	now := time.Now()
	id := uuid.NewString()

	sess := &session{
		id:              id,
		userID:          userID,
		source:          source,
		startedAt:       now,
		state:           stateOpen,
		lastHeartbeatAt: now,
		settings:        types.DefaultSessionSettings(),
		input:           make(chan InboundFrame, 32),
		doneCh:          make(chan struct{}),
	}
	sess.ctx, sess.cancel = context.WithCancel(context.Background())

	if m.cfg.Store != nil {
		if err := m.cfg.Store.UpsertSession(ctx, memory.Session{
			SessionID:       id,
			UserID:          userID,
			StartedAt:       now,
			LastHeartbeatAt: now,
			IsActive:        true,
			Source:          source,
		}); err != nil {
			return "", fmt.Errorf("app: admit: %w", err)
		}
	}

	m.mu.Lock()
	m.sessions[id] = sess
	m.mu.Unlock()

	if m.cfg.Logger != nil {
		m.cfg.Logger.Open(id, userID, source, now)
	}

	go m.runLoop(sess)

	return id, nil
}

// Attach implements §4.1's attach(session_id, transport): binds a transport
// to an existing session. Fails ErrAlreadyAttached if one is already bound.
func (m *Manager) Attach(sessionID string, transport Transport) error {
	sess, ok := m.get(sessionID)
	if !ok {
		return ErrSessionNotFound
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.state == stateClosing || sess.state == stateClosed {
		return ErrSessionNotFound
	}
	if sess.transport != nil {
		return ErrAlreadyAttached
	}
	sess.transport = transport
	sess.state = stateStreaming
	return nil
}

// OnFrame implements §4.1's on_frame(session_id, frame): dispatches one
// client frame into the session, updating last_heartbeat_at for every frame
// regardless of kind.
func (m *Manager) OnFrame(ctx context.Context, sessionID string, frame InboundFrame) error {
	sess, ok := m.get(sessionID)
	if !ok {
		return ErrSessionNotFound
	}

	now := time.Now()
	sess.mu.Lock()
	if sess.state == stateClosing || sess.state == stateClosed {
		sess.mu.Unlock()
		return ErrSessionNotFound
	}
	sess.lastHeartbeatAt = now
	if sess.state == stateOpen && (frame.Kind == FrameText || frame.Kind == FrameAudio) {
		sess.state = stateStreaming
	}
	sess.mu.Unlock()

	switch frame.Kind {
	case FrameHeartbeat:
		return nil
	case FrameInterrupt:
		m.interrupt(sess, frame.Reason)
		return nil
	case FrameSettings:
		sess.mu.Lock()
		applySettings(&sess.settings, frame.Settings)
		sess.mu.Unlock()
		return nil
	case FrameText:
		select {
		case sess.input <- frame:
			return nil
		case <-sess.ctx.Done():
			return ErrSessionNotFound
		}
	case FrameAudio:
		return m.onAudioChunk(sess, frame)
	default:
		return fmt.Errorf("app: on_frame: unrecognized frame kind %q", frame.Kind)
	}
}

// interrupt implements the barge-in path (§5): it cancels the in-flight
// turn's token, bumps the session's generation so any chunks still in the
// TTS pipeline are discarded by EmitAudio, and notifies the client.
func (m *Manager) interrupt(sess *session, reason string) {
	sess.mu.Lock()
	sess.generation++
	cancel := sess.turnCancel
	transport := sess.transport
	sess.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if transport != nil {
		_ = transport.SendFrame("streaming_interrupted", map[string]any{"reason": reason})
	}
}

// onAudioChunk lazily opens an STT stream for the session on first use and
// forwards the raw audio to it. Deployments with no STT provider configured
// accept and drop audio_chunk frames (text-only operation).
func (m *Manager) onAudioChunk(sess *session, frame InboundFrame) error {
	if m.cfg.STT == nil {
		return nil
	}

	sess.mu.Lock()
	handle := sess.sttSession
	sess.mu.Unlock()

	if handle == nil {
		h, err := m.cfg.STT.StartStream(sess.ctx, stt.StreamConfig{
			SampleRate: frame.SampleRate,
			Channels:   1,
		})
		if err != nil {
			return fmt.Errorf("app: start stt stream: %w", err)
		}
		sess.mu.Lock()
		if sess.sttSession == nil {
			sess.sttSession = h
			handle = h
			go m.pumpTranscripts(sess, h)
		} else {
			handle = sess.sttSession
			_ = h.Close()
		}
		sess.mu.Unlock()
	}

	return handle.SendAudio(frame.Audio)
}

// pumpTranscripts forwards an STT session's partials to the transport as
// low-latency transcription previews, and its finals into the session's
// turn queue as ordinary text turns (§6: "final chunk triggers ASR").
func (m *Manager) pumpTranscripts(sess *session, h stt.SessionHandle) {
	for {
		select {
		case <-sess.ctx.Done():
			return
		case t, ok := <-h.Partials():
			if !ok {
				return
			}
			sess.mu.Lock()
			transport := sess.transport
			sess.mu.Unlock()
			if transport != nil {
				_ = transport.SendFrame("transcription", map[string]any{"text": t.Text, "partial": true})
			}
		case t, ok := <-h.Finals():
			if !ok {
				return
			}
			if t.Text == "" {
				continue
			}
			select {
			case sess.input <- InboundFrame{Kind: FrameText, Text: t.Text}:
			case <-sess.ctx.Done():
				return
			}
		}
	}
}

// runLoop is the single goroutine that serializes turns for one session
// (§5: "a new turn begins only after the previous turn has emitted its final
// response"). It exits once the session's context is cancelled, i.e. once
// Close has run.
func (m *Manager) runLoop(sess *session) {
	defer close(sess.doneCh)
	for {
		select {
		case <-sess.ctx.Done():
			return
		case frame, ok := <-sess.input:
			if !ok {
				return
			}
			if frame.Kind == FrameText {
				m.runTurn(sess, frame.Text)
			}
		}
	}
}

// runTurn executes one turn of §4.3 through the configured Graph.
func (m *Manager) runTurn(sess *session, text string) {
	if m.cfg.Graph == nil {
		return
	}

	sess.mu.Lock()
	activeGen := sess.generation
	sess.activeGen = activeGen
	turnCtx, cancel := context.WithTimeout(sess.ctx, m.cfg.TurnDeadline)
	sess.turnCancel = cancel
	recent := append([]types.Message(nil), sess.recent...)
	transport := sess.transport
	source := sess.source
	sess.mu.Unlock()
	defer cancel()

	if m.cfg.Logger != nil {
		m.cfg.Logger.LogQuery(sess.id, text, source, time.Now())
	}
	if transport != nil {
		_ = transport.SendFrame("transcription", map[string]any{"text": text})
	}

	in := types.TurnInput{SessionID: sess.id, UserID: sess.userID, Text: text}
	out, err := m.cfg.Graph.Run(turnCtx, in, recent, transport != nil)

	sess.mu.Lock()
	sess.turnCancel = nil
	stale := sess.generation != activeGen
	sess.mu.Unlock()
	if stale {
		// Interrupted mid-turn (I4): no partial response is emitted.
		return
	}

	if err != nil {
		if transport != nil {
			_ = transport.SendFrame("error", map[string]any{"code": "llm_failure", "message": err.Error()})
		}
		return
	}

	sess.mu.Lock()
	sess.recent = appendRecent(sess.recent, text, out.ResponseText, m.cfg.RecentHistory)
	sess.sequence++
	seq := sess.sequence
	sess.mu.Unlock()

	if m.cfg.Logger != nil {
		m.cfg.Logger.LogResponse(sess.id, out)
	}
	if m.cfg.Messages != nil {
		_ = m.cfg.Messages.AppendMessage(context.Background(), toMessage(sess.id, seq, text, out))
	}
	if transport != nil {
		_ = transport.SendFrame("voice_response", map[string]any{
			"text":      out.ResponseText,
			"sentiment": out.Sentiment,
			"insights":  out.KeyInsights,
		})
		if out.ResponseText == "" {
			_ = transport.SendFrame("streaming_complete", nil)
		}
	}
}

// EmitAudio implements agent.AudioEmitter (§4.3 stage 7). It delivers one
// ordered TTS chunk to the session's transport, discarding chunks whose
// generation has been superseded by a barge-in (I4).
func (m *Manager) EmitAudio(sessionID string, chunk types.TTSChunk) {
	sess, ok := m.get(sessionID)
	if !ok {
		return
	}

	sess.mu.Lock()
	stale := sess.generation != sess.activeGen
	transport := sess.transport
	sess.mu.Unlock()
	if stale || transport == nil {
		return
	}

	_ = transport.SendFrame("tts_chunk", map[string]any{
		"seq":      chunk.Seq,
		"data":     base64.StdEncoding.EncodeToString(chunk.Data),
		"is_final": chunk.IsFinal,
	})
	if chunk.IsFinal {
		_ = transport.SendFrame("streaming_complete", nil)
	}
}

// Close implements §4.1's close(session_id, cause): idempotent. Marks the
// session inactive, cancels its token, flushes the transport, runs the
// memory finalizer, and removes the session from the registry. Safe to call
// from transport-disconnect, the Heartbeat Monitor, or process shutdown.
func (m *Manager) Close(ctx context.Context, sessionID, cause string) error {
	sess, ok := m.get(sessionID)
	if !ok {
		return nil // already gone: close is a no-op past the first call (§4.1)
	}

	sess.mu.Lock()
	if sess.state == stateClosing || sess.state == stateClosed {
		sess.mu.Unlock()
		return nil
	}
	sess.state = stateClosing
	startedAt := sess.startedAt
	userID := sess.userID
	transport := sess.transport
	turnCancel := sess.turnCancel
	sttSession := sess.sttSession
	sess.mu.Unlock()

	if turnCancel != nil {
		turnCancel()
	}
	sess.cancel()
	if sttSession != nil {
		_ = sttSession.Close()
	}
	if transport != nil {
		_ = transport.SendFrame("streaming_complete", nil)
		_ = transport.Close()
	}

	endedAt := time.Now()
	duration := endedAt.Sub(startedAt).Seconds()

	if m.cfg.Store != nil {
		if !m.closeWithRetry(ctx, sessionID, endedAt, duration) {
			slog.Warn("app: session close not persisted after retries; removed from registry",
				"session_id", sessionID, "cause", cause, "close_persisted", false)
		}
	}

	if m.cfg.Finalizer != nil {
		finalizeCtx, finCancel := context.WithTimeout(context.Background(), m.cfg.FinalizeDeadline)
		if err := m.cfg.Finalizer.Finalize(finalizeCtx, sessionID, userID); err != nil {
			slog.Warn("app: memory finalize failed", "session_id", sessionID, "error", err)
		}
		finCancel()
	}

	if m.cfg.Logger != nil {
		m.cfg.Logger.Close(sessionID, endedAt, duration)
	}

	m.mu.Lock()
	delete(m.sessions, sessionID)
	m.mu.Unlock()

	sess.mu.Lock()
	sess.state = stateClosed
	sess.mu.Unlock()

	<-sess.doneCh
	return nil
}

// closeWithRetry persists the close with bounded exponential backoff
// (≥3 attempts, §4.1 failure semantics). Returns false if every attempt
// failed; the caller still removes the session from the in-memory registry
// and logs close_persisted=false.
func (m *Manager) closeWithRetry(ctx context.Context, sessionID string, endedAt time.Time, durationSeconds float64) bool {
	backoff := 100 * time.Millisecond
	const maxAttempts = 3
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		err := m.cfg.Store.CloseSession(ctx, sessionID, endedAt, durationSeconds)
		if err == nil {
			return true
		}
		if attempt < maxAttempts {
			slog.Debug("app: close_session attempt failed, retrying",
				"session_id", sessionID, "attempt", attempt, "error", err)
			time.Sleep(backoff)
			backoff *= 2
		}
	}
	return false
}

// CloseAll implements §4.1's close_all(cause): closes every active session
// concurrently, used during process shutdown.
func (m *Manager) CloseAll(ctx context.Context, cause string) error {
	m.mu.RLock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			_ = m.Close(ctx, id, cause)
		}(id)
	}
	wg.Wait()
	return nil
}

// ReconcileStale invokes the Store's bulk-close sweep for orphaned sessions
// whose in-memory representation is gone (e.g. after a process restart).
// The Heartbeat Monitor calls it once, when its loop starts; its periodic
// scan closes stale in-memory sessions through Close and does not call this.
func (m *Manager) ReconcileStale(ctx context.Context) (int, error) {
	if m.cfg.Store == nil {
		return 0, nil
	}
	return m.cfg.Store.ReconcileStale(ctx, m.cfg.IdleLimit, time.Now())
}

// StaleSessions returns the IDs of registry sessions whose heartbeat is
// older than idleLimit as of now. Used by the Heartbeat Monitor (§4.2); it
// snapshots under a read lock and returns immediately, so the actual closes
// happen with no registry lock held (§4.2: "must not hold a global lock").
func (m *Manager) StaleSessions(idleLimit time.Duration, now time.Time) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var stale []string
	for id, sess := range m.sessions {
		sess.mu.Lock()
		last := sess.lastHeartbeatAt
		sess.mu.Unlock()
		if now.Sub(last) > idleLimit {
			stale = append(stale, id)
		}
	}
	return stale
}

// Len reports the number of live sessions currently in the registry.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

func (m *Manager) get(sessionID string) (*session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[sessionID]
	return s, ok
}

// appendRecent appends one turn's query/response pair to the session's
// rolling context window, capped to 2*limit messages (§4.3 stage 1 context).
func appendRecent(recent []types.Message, query, response string, limit int) []types.Message {
	recent = append(recent,
		types.Message{Role: "user", Content: query},
		types.Message{Role: "assistant", Content: response},
	)
	maxLen := 2 * limit
	if len(recent) > maxLen {
		recent = recent[len(recent)-maxLen:]
	}
	return recent
}

// toMessage converts one turn's outcome into the immutable conversation_messages
// row (§3 Utterance).
func toMessage(sessionID string, sequence int, text string, out types.TurnOutput) memory.Message {
	intents := make([]string, 0, len(out.Intents))
	for _, in := range out.Intents {
		intents = append(intents, string(in.Tag))
	}
	return memory.Message{
		SessionID:        sessionID,
		Sequence:         sequence,
		RawText:          text,
		Intents:          intents,
		Symbols:          out.Symbols,
		ResultSummary:    out.ResponseText,
		ProcessingTimeMs: out.ProcessingTimeMs,
		CreatedAt:        time.Now(),
	}
}

// applySettings merges recognized §6 settings keys into s. Unrecognized keys
// and out-of-range values are silently ignored — clients see no error frame
// for cosmetic settings, only a no-op.
func applySettings(s *types.SessionSettings, raw map[string]string) {
	for k, v := range raw {
		switch k {
		case "voice_type":
			switch types.VoiceType(v) {
			case types.VoiceCalm, types.VoiceCasual, types.VoiceProfessional, types.VoiceEnergetic:
				s.VoiceType = types.VoiceType(v)
			}
		case "speech_rate":
			if f, err := strconv.ParseFloat(v, 64); err == nil && f >= 0.5 && f <= 2.0 {
				s.SpeechRate = f
			}
		case "vad_sensitivity":
			switch types.VADSensitivity(v) {
			case types.VADLow, types.VADBalanced, types.VADHigh:
				s.VADSensitivity = types.VADSensitivity(v)
			}
		case "interruption_enabled":
			if b, err := strconv.ParseBool(v); err == nil {
				s.InterruptionEnabled = b
			}
		case "use_audio_compression":
			if b, err := strconv.ParseBool(v); err == nil {
				s.UseAudioCompression = b
			}
		}
	}
}
