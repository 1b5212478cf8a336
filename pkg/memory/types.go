package memory

import "time"

// User is the stable external identity record referenced — but never
// mutated — by the core (§3).
type User struct {
	UserID      string
	DisplayName string
	CreatedAt   time.Time
}

// Session is the persisted record backing one conversation_sessions row.
// The core's in-memory session registry (internal/app) is the live
// authority on IsActive during a session's lifetime; this struct is what
// gets written to and read from the Store.
type Session struct {
	SessionID       string
	UserID          string
	StartedAt       time.Time
	EndedAt         *time.Time
	LastHeartbeatAt time.Time
	IsActive        bool
	DurationSeconds *float64
	Source          string
}

// Message is one persisted conversation_messages row: an immutable record
// of a completed user turn (§3 Utterance).
type Message struct {
	SessionID        string
	Sequence         int
	RawText          string
	Intents          []string
	Symbols          []string
	ResultSummary    string
	ProcessingTimeMs int64
	CreatedAt        time.Time
}

// Preferences is the persisted user_preferences row consumed by the
// preferences tool (§4.5).
type Preferences struct {
	UserID          string
	PreferredTopics []string
}
