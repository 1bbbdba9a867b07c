// Package collab implements the collaboration gateway: WebSocket connection
// management, per-document presence, OT message dispatch, and the cross-node
// Redis relay.
package collab

import (
	"fmt"
	"log"
	"sync"
)

// sendBuffer is the per-client outbound channel depth. A full buffer drops
// the frame rather than blocking the broadcaster.
const sendBuffer = 256

// Client is one WebSocket connection. All writes go through Send; the
// gateway's write pump is the only goroutine touching the socket.
type Client struct {
	ID       string
	UserID   string
	UserName string
	Send     chan []byte

	done chan struct{}
	once sync.Once
}

// NewClient builds a client with an open send buffer.
func NewClient(id, userID, userName string) *Client {
	return &Client{
		ID:       id,
		UserID:   userID,
		UserName: userName,
		Send:     make(chan []byte, sendBuffer),
		done:     make(chan struct{}),
	}
}

// Done signals connection shutdown to the pumps.
func (c *Client) Done() <-chan struct{} { return c.done }

// Close marks the client closed exactly once. The Send channel stays open so
// concurrent broadcasters never panic; pumps exit via Done.
func (c *Client) Close() {
	c.once.Do(func() { close(c.done) })
}

// push enqueues a frame without blocking. False means the buffer was full.
func (c *Client) push(payload []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.Send <- payload:
		return true
	default:
		return false
	}
}

// ============================================================================
// CONNECTION MANAGER
// ============================================================================

// Manager keeps the three connection indices: client id to connection,
// document id to client set, and user id to client set (one user may hold
// several tabs). One lock guards all three so JoinDocument and Disconnect
// are atomic across indices.
type Manager struct {
	mu          sync.RWMutex
	clients     map[string]*Client
	docClients  map[string]map[string]struct{}
	userClients map[string]map[string]struct{}
	docOf       map[string]string // client id -> current document
	logger      *log.Logger
}

// NewManager creates an empty connection manager.
func NewManager() *Manager {
	return &Manager{
		clients:     make(map[string]*Client),
		docClients:  make(map[string]map[string]struct{}),
		userClients: make(map[string]map[string]struct{}),
		docOf:       make(map[string]string),
		logger:      log.New(log.Writer(), "[Connections] ", log.LstdFlags),
	}
}

// Register adds a connected client to the indices.
func (m *Manager) Register(c *Client) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.clients[c.ID] = c
	if c.UserID != "" {
		set := m.userClients[c.UserID]
		if set == nil {
			set = make(map[string]struct{})
			m.userClients[c.UserID] = set
		}
		set[c.ID] = struct{}{}
	}
	m.logger.Printf("Client %s connected (user=%s)", c.ID, c.UserID)
}

// JoinDocument moves a client into a document, leaving any previous one.
// Returns the document the client was in before, if any.
func (m *Manager) JoinDocument(clientID, docID string) (prev string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.clients[clientID]; !ok {
		return "", fmt.Errorf("client %s not registered", clientID)
	}

	prev = m.docOf[clientID]
	if prev == docID {
		return prev, nil
	}
	if prev != "" {
		m.removeFromDocLocked(clientID, prev)
	}

	set := m.docClients[docID]
	if set == nil {
		set = make(map[string]struct{})
		m.docClients[docID] = set
	}
	set[clientID] = struct{}{}
	m.docOf[clientID] = docID
	return prev, nil
}

// Disconnect removes a client from every index and closes it. Returns the
// document the client was in, for presence cleanup.
func (m *Manager) Disconnect(clientID string) (docID string, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, exists := m.clients[clientID]
	if !exists {
		return "", false
	}
	delete(m.clients, clientID)

	docID = m.docOf[clientID]
	if docID != "" {
		m.removeFromDocLocked(clientID, docID)
	}
	if c.UserID != "" {
		if set := m.userClients[c.UserID]; set != nil {
			delete(set, clientID)
			if len(set) == 0 {
				delete(m.userClients, c.UserID)
			}
		}
	}

	c.Close()
	m.logger.Printf("Client %s disconnected (doc=%s)", clientID, docID)
	return docID, true
}

func (m *Manager) removeFromDocLocked(clientID, docID string) {
	if set := m.docClients[docID]; set != nil {
		delete(set, clientID)
		if len(set) == 0 {
			delete(m.docClients, docID)
		}
	}
	delete(m.docOf, clientID)
}

// Client returns the connection by id, or nil.
func (m *Manager) Client(clientID string) *Client {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.clients[clientID]
}

// DocumentOf returns the document a client has joined, or "".
func (m *Manager) DocumentOf(clientID string) string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.docOf[clientID]
}

// SendTo delivers a frame to one client. False when the client is gone or
// its buffer is full.
func (m *Manager) SendTo(clientID string, payload []byte) bool {
	m.mu.RLock()
	c := m.clients[clientID]
	m.mu.RUnlock()
	if c == nil {
		return false
	}
	return c.push(payload)
}

// BroadcastToDocument fans a frame out to every client in a document except
// the named one. Returns the number of clients reached.
func (m *Manager) BroadcastToDocument(docID string, payload []byte, except string) int {
	m.mu.RLock()
	targets := make([]*Client, 0, len(m.docClients[docID]))
	for id := range m.docClients[docID] {
		if id == except {
			continue
		}
		if c := m.clients[id]; c != nil {
			targets = append(targets, c)
		}
	}
	m.mu.RUnlock()

	sent := 0
	for _, c := range targets {
		if c.push(payload) {
			sent++
		}
	}
	return sent
}

// BroadcastToUser delivers a frame to every tab a user has open.
func (m *Manager) BroadcastToUser(userID string, payload []byte) int {
	m.mu.RLock()
	targets := make([]*Client, 0, len(m.userClients[userID]))
	for id := range m.userClients[userID] {
		if c := m.clients[id]; c != nil {
			targets = append(targets, c)
		}
	}
	m.mu.RUnlock()

	sent := 0
	for _, c := range targets {
		if c.push(payload) {
			sent++
		}
	}
	return sent
}

// ClientsInDocument returns the client ids currently in a document.
func (m *Manager) ClientsInDocument(docID string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.docClients[docID]))
	for id := range m.docClients[docID] {
		ids = append(ids, id)
	}
	return ids
}

// Counts reports connected clients and open documents.
func (m *Manager) Counts() (clients, documents int) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.clients), len(m.docClients)
}
