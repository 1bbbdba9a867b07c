package collab

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"

	"github.com/strandlabs/controlplane/internal/backpressure"
	"github.com/strandlabs/controlplane/internal/ot"
	"github.com/strandlabs/controlplane/internal/ratelimit"
)

const (
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second // must be < pongWait
	writeWait  = 10 * time.Second
	maxMsgSize = 512 * 1024

	// maxRecentBatches bounds the per-document duplicate-submit cache.
	maxRecentBatches = 512
)

// Config tunes one gateway node.
type Config struct {
	PodName            string
	AllowedOrigins     []string
	CheckpointInterval int
	IdleTimeout        time.Duration
	StaleTimeout       time.Duration
	SweepInterval      time.Duration

	// Caps feeding the backpressure sample.
	ConnectionCap int
	ChannelCap    int
	OTQueueCap    int
	MemoryCap     int64
}

type ackEntry struct {
	batchVersion int // version the duplicate was composed against
	ackedVersion int
}

// Gateway terminates collaboration WebSockets: register/operation/cursor/
// presence/sync/heartbeat dispatch, OT ingest with server-side transform,
// presence fan-out, and cross-node relay.
type Gateway struct {
	cfg       Config
	manager   *Manager
	presence  *Presence
	engine    *ot.Engine
	throttler *ratelimit.Throttler
	breaker   *backpressure.Breaker
	metrics   *Metrics
	relay     *Relay
	upgrader  websocket.Upgrader
	logger    *log.Logger

	mu     sync.Mutex
	recent map[string]map[string]ackEntry // doc id -> batch id -> ack

	stop     chan struct{}
	stopOnce sync.Once
}

// NewGateway builds a gateway node. The connection manager, presence tracker,
// and document registry are owned by the gateway; throttler and breaker are
// shared with the HTTP layer.
func NewGateway(cfg Config, throttler *ratelimit.Throttler, breaker *backpressure.Breaker, metrics *Metrics) *Gateway {
	if cfg.PodName == "" {
		cfg.PodName = "gateway-" + uuid.NewString()[:8]
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 10 * time.Second
	}
	g := &Gateway{
		cfg:       cfg,
		manager:   NewManager(),
		presence:  NewPresence(cfg.IdleTimeout, cfg.StaleTimeout),
		engine:    ot.NewEngine(cfg.CheckpointInterval),
		throttler: throttler,
		breaker:   breaker,
		metrics:   metrics,
		logger:    log.New(log.Writer(), fmt.Sprintf("[Gateway:%s] ", cfg.PodName), log.LstdFlags),
		recent:    make(map[string]map[string]ackEntry),
		stop:      make(chan struct{}),
	}
	g.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     buildCheckOrigin(cfg.AllowedOrigins),
	}
	return g
}

// buildCheckOrigin validates the Origin header against an allowlist. An
// empty list admits every origin.
func buildCheckOrigin(allowedOrigins []string) func(r *http.Request) bool {
	if len(allowedOrigins) == 0 {
		return func(*http.Request) bool { return true }
	}
	allowed := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		allowed[o] = true
	}
	return func(r *http.Request) bool {
		return allowed[r.Header.Get("Origin")]
	}
}

// Manager exposes the connection manager, e.g. for health reporting.
func (g *Gateway) Manager() *Manager { return g.manager }

// Presence exposes the presence tracker.
func (g *Gateway) Presence() *Presence { return g.presence }

// Engine exposes the document registry.
func (g *Gateway) Engine() *ot.Engine { return g.engine }

// ConnectRelay joins the cross-node relay over the given Redis client.
func (g *Gateway) ConnectRelay(rdb *redis.Client) error {
	relay, err := NewRelay(rdb, g.cfg.PodName, g.handleRemote)
	if err != nil {
		return err
	}
	g.relay = relay
	return nil
}

// Start runs the presence idle/stale sweeper.
func (g *Gateway) Start() {
	go g.sweepLoop()
}

// Stop halts the sweeper and the relay.
func (g *Gateway) Stop() {
	g.stopOnce.Do(func() {
		close(g.stop)
		if g.relay != nil {
			g.relay.Close()
		}
	})
}

// ============================================================================
// CONNECTION LIFECYCLE
// ============================================================================

// HandleWebSocket upgrades the request and serves the connection until close.
// New connections are shed while the circuit breaker is open.
func (g *Gateway) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	if g.breaker != nil {
		if retryAfter, err := g.breaker.Allow(); err != nil {
			g.metrics.Rejected("breaker")
			w.Header().Set("Retry-After", fmt.Sprintf("%d", int(retryAfter.Seconds())+1))
			http.Error(w, "gateway shedding load", http.StatusServiceUnavailable)
			return
		}
	}

	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Printf("Upgrade failed: %v", err)
		return
	}

	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		userID = "anon-" + uuid.NewString()[:8]
	}
	client := NewClient("cl-"+uuid.NewString(), userID, r.URL.Query().Get("user_name"))
	g.manager.Register(client)
	g.metrics.ConnOpened()
	if g.breaker != nil {
		g.breaker.RecordResult(true)
	}

	go g.writePump(conn, client)
	g.readLoop(conn, client)
}

// writePump owns all writes to the socket: queued frames and pings.
func (g *Gateway) writePump(conn *websocket.Conn, client *Client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case payload := <-client.Send:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
			// Drain whatever queued up behind this frame.
			for i := len(client.Send); i > 0; i-- {
				if err := conn.WriteMessage(websocket.TextMessage, <-client.Send); err != nil {
					return
				}
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-client.Done():
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		}
	}
}

// readLoop owns all reads; it dispatches frames until the peer goes away.
func (g *Gateway) readLoop(conn *websocket.Conn, client *Client) {
	defer g.disconnect(client)

	conn.SetReadLimit(maxMsgSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				g.logger.Printf("Read error for %s: %v", client.ID, err)
			}
			return
		}
		g.dispatch(context.Background(), client, payload)
	}
}

// disconnect tears a client out of every index and tells its peers.
func (g *Gateway) disconnect(client *Client) {
	docID, ok := g.manager.Disconnect(client.ID)
	if !ok {
		return
	}
	g.metrics.ConnClosed()
	if docID == "" {
		return
	}
	if g.presence.Leave(docID, client.UserID) {
		g.manager.BroadcastToDocument(docID, frame(map[string]interface{}{
			"type":        MsgPresenceLeave,
			"document_id": docID,
			"user_id":     client.UserID,
		}), client.ID)
	}
}

// ============================================================================
// MESSAGE DISPATCH
// ============================================================================

func (g *Gateway) dispatch(ctx context.Context, client *Client, payload []byte) {
	var msg clientFrame
	if err := json.Unmarshal(payload, &msg); err != nil {
		client.push(errorFrame(CodeInvalidRequest, "malformed JSON frame", 0))
		return
	}
	g.metrics.Message(msg.Type)

	switch msg.Type {
	case MsgRegister:
		g.handleRegister(ctx, client, &msg)
	case MsgOperation:
		g.handleOperation(ctx, client, &msg)
	case MsgCursor:
		g.handleCursor(ctx, client, &msg)
	case MsgPresenceJoin:
		g.handlePresenceJoin(client, &msg)
	case MsgPresenceLeave:
		g.handlePresenceLeave(client)
	case MsgSync:
		g.handleSync(client, &msg)
	case MsgHeartbeat:
		g.handleHeartbeat(client)
	default:
		client.push(errorFrame(CodeUnknownType, fmt.Sprintf("unknown message type %q", msg.Type), 0))
	}
}

func (g *Gateway) handleRegister(ctx context.Context, client *Client, msg *clientFrame) {
	if msg.DocumentID == "" {
		client.push(errorFrame(CodeInvalidRequest, "register requires document_id", 0))
		return
	}
	if msg.UserName != "" {
		client.UserName = msg.UserName
	}
	if client.UserName == "" {
		client.UserName = client.UserID
	}

	prev, err := g.manager.JoinDocument(client.ID, msg.DocumentID)
	if err != nil {
		client.push(errorFrame(CodeInvalidRequest, err.Error(), 0))
		return
	}
	if prev != "" && prev != msg.DocumentID {
		if g.presence.Leave(prev, client.UserID) {
			g.manager.BroadcastToDocument(prev, frame(map[string]interface{}{
				"type":        MsgPresenceLeave,
				"document_id": prev,
				"user_id":     client.UserID,
			}), client.ID)
		}
	}

	doc := g.engine.GetOrCreate(msg.DocumentID, "")
	if g.relay != nil {
		if err := g.relay.EnsureDocument(ctx, msg.DocumentID); err != nil {
			g.logger.Printf("Relay subscribe failed for %s: %v", msg.DocumentID, err)
		}
	}

	up := g.presence.Join(msg.DocumentID, client.UserID, client.UserName)
	content, version := doc.Snapshot()

	client.push(frame(map[string]interface{}{
		"type":          MsgRegistered,
		"document_id":   msg.DocumentID,
		"version":       version,
		"content":       content,
		"your_presence": up,
	}))

	g.manager.BroadcastToDocument(msg.DocumentID, frame(map[string]interface{}{
		"type":        MsgPresenceJoin,
		"document_id": msg.DocumentID,
		"user":        up,
	}), client.ID)
}

func (g *Gateway) handleOperation(ctx context.Context, client *Client, msg *clientFrame) {
	docID := g.manager.DocumentOf(client.ID)
	if docID == "" {
		client.push(errorFrame(CodeNotRegistered, "register before sending operations", 0))
		return
	}
	if msg.Batch == nil {
		client.push(errorFrame(CodeInvalidRequest, "operation requires a batch", 0))
		return
	}
	batch := msg.Batch
	batch.UserID = client.UserID
	batch.DocumentID = docID

	if res := g.throttler.Admit(ctx, client.ID, "operation"); !res.Allowed {
		g.metrics.Rejected("rate_limit")
		code := CodeRateLimited
		if res.Code == ratelimit.VerdictBlocked {
			code = CodeBlocked
		}
		client.push(errorFrame(code, "operation rate limit exceeded", res.RetryAfter))
		return
	}
	if g.breaker != nil {
		if retryAfter, err := g.breaker.Allow(); err != nil {
			g.metrics.Rejected("breaker")
			client.push(errorFrame(CodeBackpressure, "gateway shedding load", retryAfter))
			return
		}
	}

	// A duplicate submission of the same batch acts once: replay the ack.
	if acked, dup := g.recentAck(docID, batch.ID, batch.Version); dup {
		client.push(frame(map[string]interface{}{
			"type":     MsgAck,
			"version":  acked,
			"batch_id": batch.ID,
		}))
		return
	}

	doc := g.engine.GetOrCreate(docID, "")
	transformed, version, err := doc.ApplyWithTransform(batch)
	if err != nil {
		var vm *ot.VersionMismatchError
		if errors.As(err, &vm) {
			client.push(errorFrame(CodeVersionMismatch, vm.Error(), 0))
		} else {
			client.push(errorFrame(CodeInvalidOperation, err.Error(), 0))
		}
		return
	}
	g.metrics.Applied()
	if g.breaker != nil {
		g.breaker.RecordResult(true)
	}
	g.rememberAck(docID, batch.ID, batch.Version, version)

	client.push(frame(map[string]interface{}{
		"type":     MsgAck,
		"version":  version,
		"batch_id": batch.ID,
	}))

	broadcast := frame(map[string]interface{}{
		"type":        MsgOperation,
		"document_id": docID,
		"batch":       transformed,
		"version":     version,
	})
	g.manager.BroadcastToDocument(docID, broadcast, client.ID)
	g.publishRelay(ctx, docID, broadcast)
}

func (g *Gateway) handleCursor(ctx context.Context, client *Client, msg *clientFrame) {
	docID := g.manager.DocumentOf(client.ID)
	if docID == "" {
		client.push(errorFrame(CodeNotRegistered, "register before sending cursors", 0))
		return
	}
	// Over-limit cursor updates are dropped, not errored; the next one wins.
	if res := g.throttler.Admit(ctx, client.ID, "cursor"); !res.Allowed {
		g.metrics.Rejected("cursor_throttle")
		return
	}

	cursor := ot.Cursor{UserID: client.UserID}
	if msg.Position != nil {
		cursor.Position = *msg.Position
	}
	cursor.SelectionStart = msg.SelectionStart
	cursor.SelectionEnd = msg.SelectionEnd
	g.presence.UpdateCursor(docID, client.UserID, cursor)
	if msg.IsTyping != nil {
		g.presence.SetTyping(docID, client.UserID, *msg.IsTyping)
	}

	broadcast := frame(map[string]interface{}{
		"type":        MsgCursor,
		"document_id": docID,
		"user_id":     client.UserID,
		"cursor":      cursor,
	})
	g.manager.BroadcastToDocument(docID, broadcast, client.ID)
	g.publishRelay(ctx, docID, broadcast)
}

func (g *Gateway) handlePresenceJoin(client *Client, msg *clientFrame) {
	docID := g.manager.DocumentOf(client.ID)
	if docID == "" {
		client.push(errorFrame(CodeNotRegistered, "register before presence updates", 0))
		return
	}
	up := g.presence.Join(docID, client.UserID, client.UserName)
	g.manager.BroadcastToDocument(docID, frame(map[string]interface{}{
		"type":        MsgPresenceJoin,
		"document_id": docID,
		"user":        up,
	}), client.ID)
}

func (g *Gateway) handlePresenceLeave(client *Client) {
	docID := g.manager.DocumentOf(client.ID)
	if docID == "" {
		return
	}
	if g.presence.Leave(docID, client.UserID) {
		g.manager.BroadcastToDocument(docID, frame(map[string]interface{}{
			"type":        MsgPresenceLeave,
			"document_id": docID,
			"user_id":     client.UserID,
		}), client.ID)
	}
}

func (g *Gateway) handleSync(client *Client, msg *clientFrame) {
	docID := g.manager.DocumentOf(client.ID)
	if docID == "" {
		client.push(errorFrame(CodeNotRegistered, "register before syncing", 0))
		return
	}
	if msg.Version == nil {
		client.push(errorFrame(CodeInvalidRequest, "sync requires a version", 0))
		return
	}

	doc := g.engine.GetOrCreate(docID, "")
	content, err := doc.ContentAt(*msg.Version)
	if err != nil {
		client.push(errorFrame(CodeInvalidRequest, err.Error(), 0))
		return
	}
	client.push(frame(map[string]interface{}{
		"type":               MsgSynced,
		"synced":             true,
		"document_id":        docID,
		"version":            doc.Version(),
		"content_at_version": content,
		"history":            doc.HistorySince(*msg.Version),
	}))
}

func (g *Gateway) handleHeartbeat(client *Client) {
	if docID := g.manager.DocumentOf(client.ID); docID != "" {
		g.presence.Touch(docID, client.UserID)
	}
	client.push(frame(map[string]interface{}{"type": MsgHeartbeatAck}))
}

// ============================================================================
// CROSS-NODE RELAY
// ============================================================================

func (g *Gateway) publishRelay(ctx context.Context, docID string, payload []byte) {
	if g.relay == nil {
		return
	}
	if err := g.relay.Publish(ctx, docID, payload); err != nil {
		g.logger.Printf("Relay publish failed for %s: %v", docID, err)
		return
	}
	g.metrics.RelayOut()
}

// handleRemote applies a frame relayed from another pod: operations feed the
// local document mirror, and everything fans out to local subscribers.
func (g *Gateway) handleRemote(docID string, payload []byte) {
	g.metrics.RelayIn()

	var msg clientFrame
	if err := json.Unmarshal(payload, &msg); err == nil && msg.Type == MsgOperation && msg.Batch != nil {
		doc := g.engine.GetOrCreate(docID, "")
		if _, err := doc.ApplyBatch(msg.Batch); err != nil {
			g.logger.Printf("Remote batch %s did not apply to %s: %v", msg.Batch.ID, docID, err)
		}
	}

	if docID != "" {
		g.manager.BroadcastToDocument(docID, payload, "")
	}
}

// ============================================================================
// BACKGROUND SWEEP + LOAD SAMPLE
// ============================================================================

func (g *Gateway) sweepLoop() {
	ticker := time.NewTicker(g.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			g.sweepPresence()
		case <-g.stop:
			return
		}
	}
}

func (g *Gateway) sweepPresence() {
	idle, removed := g.presence.Sweep()
	for _, ev := range idle {
		g.manager.BroadcastToDocument(ev.DocumentID, frame(map[string]interface{}{
			"type":        MsgIdle,
			"document_id": ev.DocumentID,
			"user_id":     ev.User.UserID,
		}), "")
	}
	for _, ev := range removed {
		g.manager.BroadcastToDocument(ev.DocumentID, frame(map[string]interface{}{
			"type":        MsgStale,
			"document_id": ev.DocumentID,
			"user_id":     ev.User.UserID,
		}), "")
	}
}

// Sample snapshots the gateway's load for the backpressure monitor.
func (g *Gateway) Sample(context.Context) backpressure.Sample {
	clients, docs := g.manager.Counts()
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	return backpressure.Sample{
		Connections:   clients,
		ConnectionCap: g.cfg.ConnectionCap,
		Channels:      docs,
		ChannelCap:    g.cfg.ChannelCap,
		OTQueueDepth:  g.engine.Count(),
		OTQueueCap:    g.cfg.OTQueueCap,
		MemoryBytes:   int64(mem.Alloc),
		MemoryCap:     g.cfg.MemoryCap,
	}
}

// recentAck looks up a prior ack for the same batch id and version.
func (g *Gateway) recentAck(docID, batchID string, batchVersion int) (int, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	entry, ok := g.recent[docID][batchID]
	if !ok || entry.batchVersion != batchVersion {
		return 0, false
	}
	return entry.ackedVersion, true
}

func (g *Gateway) rememberAck(docID, batchID string, batchVersion, ackedVersion int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	byBatch := g.recent[docID]
	if byBatch == nil || len(byBatch) >= maxRecentBatches {
		byBatch = make(map[string]ackEntry)
		g.recent[docID] = byBatch
	}
	byBatch[batchID] = ackEntry{batchVersion: batchVersion, ackedVersion: ackedVersion}
}
