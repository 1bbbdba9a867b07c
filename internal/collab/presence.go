package collab

import (
	"sync"
	"time"

	"github.com/strandlabs/controlplane/internal/ot"
)

// palette is the fixed set of presence colors, assigned round-robin per
// document.
var palette = [...]string{
	"#FF6B6B", "#4ECDC4", "#45B7D1", "#FFA07A", "#98D8C8",
	"#F7DC6F", "#BB8FCE", "#85C1E9", "#F8C471", "#82E0AA",
}

// UserPresence is one user's live state inside a document.
type UserPresence struct {
	UserID       string     `json:"user_id"`
	UserName     string     `json:"user_name"`
	Color        string     `json:"color"`
	Cursor       *ot.Cursor `json:"cursor,omitempty"`
	IsTyping     bool       `json:"is_typing"`
	IsActive     bool       `json:"is_active"`
	JoinedAt     time.Time  `json:"joined_at"`
	LastActivity time.Time  `json:"last_activity"`
}

type docPresence struct {
	users     map[string]*UserPresence
	nextColor int
}

// PresenceEvent pairs a presence snapshot with its document, emitted by the
// idle/stale sweep.
type PresenceEvent struct {
	DocumentID string
	User       UserPresence
}

// Presence tracks who is in each document. Users go inactive after
// idleTimeout without activity and are removed after staleTimeout.
type Presence struct {
	mu           sync.Mutex
	docs         map[string]*docPresence
	idleTimeout  time.Duration
	staleTimeout time.Duration

	now func() time.Time
}

// NewPresence builds a tracker with the given idle and stale timeouts.
func NewPresence(idleTimeout, staleTimeout time.Duration) *Presence {
	if idleTimeout <= 0 {
		idleTimeout = 60 * time.Second
	}
	if staleTimeout <= 0 {
		staleTimeout = 5 * time.Minute
	}
	return &Presence{
		docs:         make(map[string]*docPresence),
		idleTimeout:  idleTimeout,
		staleTimeout: staleTimeout,
		now:          time.Now,
	}
}

// Join adds a user to a document, assigning the next palette color. A user
// rejoining keeps their color.
func (p *Presence) Join(docID, userID, userName string) UserPresence {
	p.mu.Lock()
	defer p.mu.Unlock()

	dp := p.docs[docID]
	if dp == nil {
		dp = &docPresence{users: make(map[string]*UserPresence)}
		p.docs[docID] = dp
	}

	now := p.now()
	if existing, ok := dp.users[userID]; ok {
		existing.UserName = userName
		existing.IsActive = true
		existing.LastActivity = now
		return *existing
	}

	up := &UserPresence{
		UserID:       userID,
		UserName:     userName,
		Color:        palette[dp.nextColor%len(palette)],
		IsActive:     true,
		JoinedAt:     now,
		LastActivity: now,
	}
	dp.nextColor++
	dp.users[userID] = up
	return *up
}

// Leave removes a user from a document. Returns false if they were not there.
func (p *Presence) Leave(docID, userID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	dp := p.docs[docID]
	if dp == nil {
		return false
	}
	if _, ok := dp.users[userID]; !ok {
		return false
	}
	delete(dp.users, userID)
	if len(dp.users) == 0 {
		delete(p.docs, docID)
	}
	return true
}

// UpdateCursor records a caret/selection move and marks the user active.
func (p *Presence) UpdateCursor(docID, userID string, cursor ot.Cursor) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	up := p.userLocked(docID, userID)
	if up == nil {
		return false
	}
	cursor.UserID = userID
	up.Cursor = &cursor
	p.touchLocked(up)
	return true
}

// SetTyping flips the typing flag and marks the user active.
func (p *Presence) SetTyping(docID, userID string, typing bool) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	up := p.userLocked(docID, userID)
	if up == nil {
		return false
	}
	up.IsTyping = typing
	p.touchLocked(up)
	return true
}

// Touch marks the user active, e.g. on heartbeat.
func (p *Presence) Touch(docID, userID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	up := p.userLocked(docID, userID)
	if up == nil {
		return false
	}
	p.touchLocked(up)
	return true
}

func (p *Presence) userLocked(docID, userID string) *UserPresence {
	if dp := p.docs[docID]; dp != nil {
		return dp.users[userID]
	}
	return nil
}

func (p *Presence) touchLocked(up *UserPresence) {
	up.IsActive = true
	up.LastActivity = p.now()
}

// List returns a snapshot of everyone in a document.
func (p *Presence) List(docID string) []UserPresence {
	p.mu.Lock()
	defer p.mu.Unlock()

	dp := p.docs[docID]
	if dp == nil {
		return nil
	}
	out := make([]UserPresence, 0, len(dp.users))
	for _, up := range dp.users {
		out = append(out, *up)
	}
	return out
}

// Get returns one user's presence snapshot.
func (p *Presence) Get(docID, userID string) (UserPresence, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if up := p.userLocked(docID, userID); up != nil {
		return *up, true
	}
	return UserPresence{}, false
}

// Sweep marks users idle past idleTimeout and removes those past
// staleTimeout. Both lists come back so the gateway can notify peers.
func (p *Presence) Sweep() (idle, removed []PresenceEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	for docID, dp := range p.docs {
		for userID, up := range dp.users {
			silent := now.Sub(up.LastActivity)
			if silent >= p.staleTimeout {
				removed = append(removed, PresenceEvent{DocumentID: docID, User: *up})
				delete(dp.users, userID)
				continue
			}
			if up.IsActive && silent >= p.idleTimeout {
				up.IsActive = false
				idle = append(idle, PresenceEvent{DocumentID: docID, User: *up})
			}
		}
		if len(dp.users) == 0 {
			delete(p.docs, docID)
		}
	}
	return idle, removed
}
