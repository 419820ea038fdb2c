// Package conversation holds the ordered message log and the listening and
// speaking flags the UI renders.
package conversation

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Role identifies the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// DefaultGreeting seeds a new log.
const DefaultGreeting = "Hello! I'm Nexus, your assistant. I can see through your camera and respond with voice. Ask me anything!"

// Message is one entry in the log. Only SpokenCharIndex changes after the
// message is appended.
type Message struct {
	ID        string    `json:"id"`
	Text      string    `json:"text"`
	Role      Role      `json:"role"`
	Timestamp time.Time `json:"timestamp"`
	HasImage  bool      `json:"hasImage"`
	// SpokenCharIndex is set only while the message is being spoken.
	SpokenCharIndex *int `json:"spokenCharIndex"`
}

// Status holds the derived UI flags.
type Status struct {
	Listening  bool   `json:"listening"`
	Speaking   bool   `json:"speaking"`
	SpeakingID string `json:"speakingId,omitempty"`
}

// ChangeKind says what changed.
type ChangeKind string

const (
	ChangeAdded   ChangeKind = "added"
	ChangeUpdated ChangeKind = "updated"
	ChangeStatus  ChangeKind = "status"
)

// Change is delivered to listeners after every mutation.
type Change struct {
	Kind    ChangeKind
	Message Message
	Status  Status
}

// Log is the append-only message sequence. Insertion order is display order.
type Log struct {
	mu        sync.RWMutex
	messages  []Message
	index     map[string]int
	status    Status
	listeners []func(Change)

	now   func() time.Time
	newID func() string
}

// NewLog creates a log, seeded with greeting as an assistant message when
// greeting is not empty.
func NewLog(greeting string) *Log {
	l := &Log{
		index: make(map[string]int),
		now:   time.Now,
		newID: uuid.NewString,
	}
	if greeting != "" {
		l.Append(RoleAssistant, greeting, false)
	}
	return l
}

// OnChange registers a listener. Listeners run synchronously after the
// mutation and must not mutate the log.
func (l *Log) OnChange(fn func(Change)) {
	l.mu.Lock()
	l.listeners = append(l.listeners, fn)
	l.mu.Unlock()
}

// Append adds a message and returns it.
func (l *Log) Append(role Role, text string, hasImage bool) Message {
	l.mu.Lock()
	msg := Message{
		ID:        l.newID(),
		Text:      text,
		Role:      role,
		Timestamp: l.now(),
		HasImage:  hasImage,
	}
	l.index[msg.ID] = len(l.messages)
	l.messages = append(l.messages, msg)
	status := l.status
	l.mu.Unlock()

	l.notify(Change{Kind: ChangeAdded, Message: msg, Status: status})
	return msg
}

// Messages returns a copy of the log.
func (l *Log) Messages() []Message {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]Message, len(l.messages))
	for i, m := range l.messages {
		out[i] = cloneMessage(m)
	}
	return out
}

// Get returns the message with id.
func (l *Log) Get(id string) (Message, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	i, ok := l.index[id]
	if !ok {
		return Message{}, false
	}
	return cloneMessage(l.messages[i]), true
}

// Last returns the most recent message.
func (l *Log) Last() (Message, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if len(l.messages) == 0 {
		return Message{}, false
	}
	return cloneMessage(l.messages[len(l.messages)-1]), true
}

// Len returns the number of messages.
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.messages)
}

// Status returns the derived flags.
func (l *Log) Status() Status {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.status
}

// SetListening updates the listening flag.
func (l *Log) SetListening(on bool) {
	l.mu.Lock()
	if l.status.Listening == on {
		l.mu.Unlock()
		return
	}
	l.status.Listening = on
	status := l.status
	l.mu.Unlock()

	l.notify(Change{Kind: ChangeStatus, Status: status})
}

// BeginSpeaking marks id as the message being spoken and resets its cursor.
// A different message that was being spoken loses its cursor.
func (l *Log) BeginSpeaking(id string) {
	l.mu.Lock()
	var changes []Change
	if prev := l.status.SpeakingID; prev != "" && prev != id {
		if m, ok := l.clearCursorLocked(prev); ok {
			changes = append(changes, Change{Kind: ChangeUpdated, Message: m})
		}
	}
	l.status.Speaking = true
	l.status.SpeakingID = id
	if i, ok := l.index[id]; ok {
		zero := 0
		l.messages[i].SpokenCharIndex = &zero
		changes = append(changes, Change{Kind: ChangeUpdated, Message: cloneMessage(l.messages[i])})
	}
	status := l.status
	l.mu.Unlock()

	for _, c := range changes {
		c.Status = status
		l.notify(c)
	}
	l.notify(Change{Kind: ChangeStatus, Status: status})
}

// SetSpokenIndex moves the cursor of the message being spoken. Updates for
// other messages, and updates that would move the cursor backwards, are
// ignored. It reports whether the cursor changed.
func (l *Log) SetSpokenIndex(id string, charIndex int) bool {
	l.mu.Lock()
	i, ok := l.index[id]
	if !ok || !l.status.Speaking || l.status.SpeakingID != id || charIndex < 0 {
		l.mu.Unlock()
		return false
	}
	if cur := l.messages[i].SpokenCharIndex; cur != nil && charIndex <= *cur {
		l.mu.Unlock()
		return false
	}
	idx := charIndex
	l.messages[i].SpokenCharIndex = &idx
	msg := cloneMessage(l.messages[i])
	status := l.status
	l.mu.Unlock()

	l.notify(Change{Kind: ChangeUpdated, Message: msg, Status: status})
	return true
}

// EndSpeaking clears the speaking flag if id is the message being spoken.
func (l *Log) EndSpeaking(id string) {
	l.mu.Lock()
	if !l.status.Speaking || l.status.SpeakingID != id {
		l.mu.Unlock()
		return
	}
	msg, cleared := l.clearCursorLocked(id)
	l.status.Speaking = false
	l.status.SpeakingID = ""
	status := l.status
	l.mu.Unlock()

	if cleared {
		l.notify(Change{Kind: ChangeUpdated, Message: msg, Status: status})
	}
	l.notify(Change{Kind: ChangeStatus, Status: status})
}

func (l *Log) clearCursorLocked(id string) (Message, bool) {
	i, ok := l.index[id]
	if !ok || l.messages[i].SpokenCharIndex == nil {
		return Message{}, false
	}
	l.messages[i].SpokenCharIndex = nil
	return cloneMessage(l.messages[i]), true
}

func (l *Log) notify(c Change) {
	l.mu.RLock()
	listeners := make([]func(Change), len(l.listeners))
	copy(listeners, l.listeners)
	l.mu.RUnlock()

	for _, fn := range listeners {
		fn(c)
	}
}

func cloneMessage(m Message) Message {
	if m.SpokenCharIndex != nil {
		idx := *m.SpokenCharIndex
		m.SpokenCharIndex = &idx
	}
	return m
}
