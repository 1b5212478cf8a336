// Package sessionlog implements the Session Logger (§4.7): a per-session,
// append-only, human-readable transcript file plus a companion post-run
// file recording the memory-finalization outcome.
//
// Grounded on the teacher's internal/feedback.FileStore: JSON-per-line (here,
// a human-readable block per record) appended via a fresh
// os.OpenFile(O_APPEND|O_CREATE|O_WRONLY) per write, so every record is
// durable the instant the call returns (§4.7 "flushed per write") without
// holding a file handle open across turns. One FileStore-style mutex per
// session_id replaces the teacher's single package-wide mutex, since
// multiple sessions must not serialize behind each other (§5: "the Session
// Logger's file handles are owned by one writer per session").
package sessionlog

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/hula0401/marketvoice/pkg/types"
)

// defaultOutputCap is the default truncation length for logged tool outputs
// (§4.7, default 8 KB).
const defaultOutputCap = 8 * 1024

// separator is the record delimiter mandated by §6: "a line of `=`
// characters".
const separator = "================================================================"

// Config configures a Logger.
type Config struct {
	// Root is the directory transcript and post-run files are written
	// under (§6). Created on first use if missing.
	Root string

	// OutputCap bounds how many bytes of a tool call's output are recorded
	// in the transcript (default 8 KB, §4.7).
	OutputCap int
}

// Logger is the Session Logger of §4.7. It satisfies
// internal/app.TranscriptLogger, internal/memorymgr.PostRunLogger, and
// internal/agent.CallLogger. All methods are best-effort: a write failure is
// logged at Warn level and never returned to the caller, so a logging fault
// never fails a turn (§4.7: "logger failures must not fail a turn").
type Logger struct {
	root      string
	outputCap int

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New builds a Logger writing under cfg.Root.
func New(cfg Config) *Logger {
	cap := cfg.OutputCap
	if cap <= 0 {
		cap = defaultOutputCap
	}
	return &Logger{
		root:      cfg.Root,
		outputCap: cap,
		locks:     make(map[string]*sync.Mutex),
	}
}

func (l *Logger) lockFor(sessionID string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	lock, ok := l.locks[sessionID]
	if !ok {
		lock = &sync.Mutex{}
		l.locks[sessionID] = lock
	}
	return lock
}

// forget drops the per-session lock once a session's transcript is closed,
// so the lock table does not grow unboundedly across a long-lived process.
func (l *Logger) forget(sessionID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.locks, sessionID)
}

func (l *Logger) transcriptPath(sessionID string) string {
	return filepath.Join(l.root, sessionID+".log")
}

func (l *Logger) postRunPath(sessionID string) string {
	return filepath.Join(l.root, sessionID+"_post-run.log")
}

// append opens path for append (creating it and the log root if needed),
// writes body, and closes it — one open/write/close cycle per record, per
// the teacher's feedback.FileStore idiom.
func (l *Logger) append(path, body string) {
	if l.root == "" {
		return
	}
	if err := os.MkdirAll(l.root, 0o755); err != nil {
		slog.Warn("sessionlog: mkdir root failed", "root", l.root, "error", err)
		return
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		slog.Warn("sessionlog: open failed", "path", path, "error", err)
		return
	}
	defer f.Close()
	if _, err := f.WriteString(body); err != nil {
		slog.Warn("sessionlog: write failed", "path", path, "error", err)
	}
}

// Open writes the session header (§4.7): id, user id, start time, source.
// The header carries no initial-query field; the session's first query
// appears only as the first QUERY record written after it by LogQuery.
func (l *Logger) Open(sessionID, userID, source string, startedAt time.Time) {
	lock := l.lockFor(sessionID)
	lock.Lock()
	defer lock.Unlock()

	var b strings.Builder
	fmt.Fprintf(&b, "%s\nSESSION START\nsession_id: %s\nuser_id: %s\nsource: %s\nstarted_at: %s\n%s\n",
		separator, sessionID, userID, source, startedAt.UTC().Format(time.RFC3339), separator)
	l.append(l.transcriptPath(sessionID), b.String())
}

// LogQuery records one user query (§4.7).
func (l *Logger) LogQuery(sessionID, text, source string, at time.Time) {
	lock := l.lockFor(sessionID)
	lock.Lock()
	defer lock.Unlock()

	var b strings.Builder
	fmt.Fprintf(&b, "[%s] QUERY (%s)\n%s\n%s\n", at.UTC().Format(time.RFC3339), source, text, separator)
	l.append(l.transcriptPath(sessionID), b.String())
}

// LogLLMCall records one language-model call through the gate (§4.7: model
// name, stage tag, prompt text, response text, duration, status).
func (l *Logger) LogLLMCall(sessionID, stage, model, prompt, response string, durationMs int64, status string) {
	lock := l.lockFor(sessionID)
	lock.Lock()
	defer lock.Unlock()

	var b strings.Builder
	fmt.Fprintf(&b, "LLM CALL stage=%s model=%s status=%s duration_ms=%d\nprompt: %s\nresponse: %s\n%s\n",
		stage, model, status, durationMs, truncate(prompt, l.outputCap), truncate(response, l.outputCap), separator)
	l.append(l.transcriptPath(sessionID), b.String())
}

// LogToolCall records one tool invocation (§4.7: tool id, input, output
// truncated to OutputCap, duration, status).
func (l *Logger) LogToolCall(sessionID, toolID string, input any, output any, durationMs int64, status string) {
	lock := l.lockFor(sessionID)
	lock.Lock()
	defer lock.Unlock()

	var b strings.Builder
	fmt.Fprintf(&b, "TOOL CALL tool=%s status=%s duration_ms=%d\ninput: %v\noutput: %s\n%s\n",
		toolID, status, durationMs, input, truncate(fmt.Sprintf("%v", output), l.outputCap), separator)
	l.append(l.transcriptPath(sessionID), b.String())
}

// LogResponse records the agent's final response for the turn (§4.7: text,
// sentiment, insights, total processing time).
func (l *Logger) LogResponse(sessionID string, out types.TurnOutput) {
	lock := l.lockFor(sessionID)
	lock.Lock()
	defer lock.Unlock()

	var b strings.Builder
	fmt.Fprintf(&b, "RESPONSE sentiment=%s processing_time_ms=%d partial=%t\ntext: %s\ninsights: %s\n%s\n",
		out.Sentiment, out.ProcessingTimeMs, out.Partial, out.ResponseText, strings.Join(out.KeyInsights, "; "), separator)
	l.append(l.transcriptPath(sessionID), b.String())
}

// Close writes the session footer (§4.7: end time, duration) and releases
// the session's write lock.
func (l *Logger) Close(sessionID string, endedAt time.Time, durationSeconds float64) {
	lock := l.lockFor(sessionID)
	lock.Lock()
	var b strings.Builder
	fmt.Fprintf(&b, "SESSION END\nended_at: %s\nduration_seconds: %.3f\n%s\n",
		endedAt.UTC().Format(time.RFC3339), durationSeconds, separator)
	l.append(l.transcriptPath(sessionID), b.String())
	lock.Unlock()

	l.forget(sessionID)
}

// LogFinalize writes the post-run file entry for one finalize attempt
// (§4.6/§4.7). wrote reports whether user_notes was updated; reason explains
// a skip ("empty_buffer", "llm_failed", "upsert_failed", ...) and is empty
// on a successful write.
func (l *Logger) LogFinalize(sessionID string, wrote bool, reason string, durationMs int64) {
	var b strings.Builder
	fmt.Fprintf(&b, "%s\nPOST-RUN session_id=%s wrote=%t duration_ms=%d\n", separator, sessionID, wrote, durationMs)
	if reason != "" {
		fmt.Fprintf(&b, "reason: %s\n", reason)
	}
	b.WriteString(separator + "\n")
	l.append(l.postRunPath(sessionID), b.String())
}

// truncate bounds s to at most n bytes, appending a marker when truncated.
func truncate(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	return s[:n] + fmt.Sprintf("...[truncated %d bytes]", len(s)-n)
}
