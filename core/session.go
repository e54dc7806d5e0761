package core

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Role of a message author.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Message is one conversational turn fragment. Messages are immutable once
// appended to a session.
type Message struct {
	Role      Role      `json:"role"`
	Parts     []Part    `json:"parts"`
	Timestamp time.Time `json:"timestamp"`
}

// NewTextMessage creates a single text part message stamped with the current time.
func NewTextMessage(role Role, text string) Message {
	return Message{Role: role, Parts: []Part{TextPart{Text: text}}, Timestamp: time.Now().UTC()}
}

// Text concatenates the text parts of the message.
func (m Message) Text() string {
	var b strings.Builder
	for _, p := range m.Parts {
		if tp, ok := p.(TextPart); ok {
			b.WriteString(tp.Text)
		}
	}
	return b.String()
}

// Session is the server side conversation context for one client supplied id.
// It is safe for concurrent access.
//
// Contract:
//   - busy is the single-flight guard; it is only flipped via TryAcquire/Release
//   - history and usage are protected by mu, never by the guard, so readers
//     do not wait behind an active stream
//   - Reset clears history and usage but leaves identity and busy untouched
type Session struct {
	ID      string
	Created time.Time

	busy atomic.Bool

	mu         sync.RWMutex
	messages   []Message
	usage      Usage
	model      string
	turns      int
	lastActive time.Time
}

// NewSession creates a new session with the given ID.
func NewSession(id string) *Session {
	now := time.Now().UTC()
	return &Session{ID: id, Created: now, lastActive: now}
}

// TryAcquire atomically sets the busy flag. It returns false if it was already set.
func (s *Session) TryAcquire() bool { return s.busy.CompareAndSwap(false, true) }

// Release clears the busy flag and reports whether it was held.
func (s *Session) Release() bool { return s.busy.CompareAndSwap(true, false) }

// Busy reports whether a stream currently holds the session.
func (s *Session) Busy() bool { return s.busy.Load() }

// AppendMessage adds msg to the end of the history.
func (s *Session) AppendMessage(msg Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, msg)
	s.lastActive = time.Now().UTC()
}

// CompleteTurn appends the messages of a finished exchange and counts the turn.
func (s *Session) CompleteTurn(msgs ...Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, msgs...)
	s.turns++
	s.lastActive = time.Now().UTC()
}

// Messages returns a defensive copy of the history.
func (s *Session) Messages() []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Message, len(s.messages))
	copy(out, s.messages)
	return out
}

// UpdateUsage replaces the running usage with fn(current). The model, if set,
// becomes the session's last used model.
func (s *Session) UpdateUsage(model string, fn func(Usage) Usage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.usage = fn(s.usage)
	if model != "" {
		s.model = model
	}
	s.lastActive = time.Now().UTC()
}

// Reset clears history, usage and the turn counter.
func (s *Session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = nil
	s.usage = Usage{}
	s.turns = 0
	s.lastActive = time.Now().UTC()
}

// Stats returns a point in time snapshot.
func (s *Session) Stats() SessionStats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return SessionStats{
		SessionID:    s.ID,
		Usage:        s.usage,
		Model:        s.model,
		MessageCount: s.turns,
		Busy:         s.busy.Load(),
		Created:      s.Created,
		LastActive:   s.lastActive,
	}
}

// SessionStats is a read-only view of a session's accounting state.
type SessionStats struct {
	SessionID    string    `json:"session_id"`
	Usage        Usage     `json:"usage"`
	Model        string    `json:"model,omitempty"`
	MessageCount int       `json:"message_count"`
	Busy         bool      `json:"busy"`
	Created      time.Time `json:"created"`
	LastActive   time.Time `json:"last_active"`
}

// Usage holds token counts and derived cost for one or more inference calls.
type Usage struct {
	InputTokens  int     `json:"input_tokens"`
	OutputTokens int     `json:"output_tokens"`
	Cost         float64 `json:"cost"`
	Requests     int     `json:"requests"`
}

// TotalTokens returns input plus output tokens.
func (u Usage) TotalTokens() int { return u.InputTokens + u.OutputTokens }

// IsZero reports whether no usage has been recorded.
func (u Usage) IsZero() bool { return u == Usage{} }
