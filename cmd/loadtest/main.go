// The loadtest binary drives a collaboration gateway with N WebSocket
// clients spread across M documents, mixing operation and cursor traffic,
// and reports throughput plus ack latency percentiles.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"net/url"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

type stats struct {
	opsSent      atomic.Uint64
	opsAcked     atomic.Uint64
	cursorsSent  atomic.Uint64
	errors       atomic.Uint64
	rateLimited  atomic.Uint64
	backpressure atomic.Uint64
	shedded      atomic.Uint64

	mu        sync.Mutex
	latencies []time.Duration
}

func (s *stats) recordLatency(d time.Duration) {
	s.mu.Lock()
	s.latencies = append(s.latencies, d)
	s.mu.Unlock()
}

func (s *stats) percentile(p float64) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.latencies) == 0 {
		return 0
	}
	sorted := append([]time.Duration(nil), s.latencies...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	idx := int(float64(len(sorted)-1) * p)
	return sorted[idx]
}

type client struct {
	id      string
	docID   string
	conn    *websocket.Conn
	stats   *stats
	opRate  time.Duration
	curRate time.Duration

	mu       sync.Mutex
	version  int
	inflight map[string]time.Time // batch id -> send time
}

func main() {
	gatewayURL := flag.String("gateway", "ws://localhost:8081/ws", "gateway WebSocket URL")
	numClients := flag.Int("clients", 50, "concurrent WebSocket clients")
	numDocs := flag.Int("docs", 10, "documents to spread clients across")
	duration := flag.Duration("duration", 30*time.Second, "test duration")
	opsPerMin := flag.Int("ops-per-minute", 60, "operations per client per minute")
	cursorsPerMin := flag.Int("cursors-per-minute", 300, "cursor moves per client per minute")
	reportEvery := flag.Duration("report", 5*time.Second, "stats reporting interval")
	flag.Parse()

	logger := log.New(log.Writer(), "[LoadTest] ", log.LstdFlags)
	logger.Printf("gateway=%s clients=%d docs=%d duration=%s", *gatewayURL, *numClients, *numDocs, *duration)

	st := &stats{}
	start := time.Now()
	done := make(chan struct{})
	var wg sync.WaitGroup

	for i := 0; i < *numClients; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			c, err := connect(*gatewayURL, n, *numDocs, st, *opsPerMin, *cursorsPerMin)
			if err != nil {
				st.shedded.Add(1)
				logger.Printf("client %d rejected: %v", n, err)
				return
			}
			c.run(done)
		}(i)
		// Staggered ramp-up so the breaker sees a slope, not a step.
		time.Sleep(10 * time.Millisecond)
	}

	ticker := time.NewTicker(*reportEvery)
	deadline := time.After(*duration)
	for running := true; running; {
		select {
		case <-ticker.C:
			report(logger, st)
		case <-deadline:
			running = false
		}
	}
	ticker.Stop()
	close(done)
	wg.Wait()

	elapsed := time.Since(start)
	logger.Printf("==== final ====")
	report(logger, st)
	logger.Printf("throughput %.1f ops/sec over %s",
		float64(st.opsSent.Load())/elapsed.Seconds(), elapsed.Round(time.Second))
	logger.Printf("ack latency p50=%s p95=%s p99=%s",
		st.percentile(0.50), st.percentile(0.95), st.percentile(0.99))
}

func report(logger *log.Logger, st *stats) {
	logger.Printf("ops=%d acked=%d cursors=%d errors=%d rate_limited=%d backpressure=%d shed=%d",
		st.opsSent.Load(), st.opsAcked.Load(), st.cursorsSent.Load(),
		st.errors.Load(), st.rateLimited.Load(), st.backpressure.Load(), st.shedded.Load())
}

func connect(gatewayURL string, n, numDocs int, st *stats, opsPerMin, cursorsPerMin int) (*client, error) {
	userID := fmt.Sprintf("load-user-%d", n)
	u, err := url.Parse(gatewayURL)
	if err != nil {
		return nil, err
	}
	q := u.Query()
	q.Set("user_id", userID)
	u.RawQuery = q.Encode()

	conn, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		return nil, err
	}

	return &client{
		id:       userID,
		docID:    fmt.Sprintf("load-doc-%d", n%numDocs),
		conn:     conn,
		stats:    st,
		opRate:   time.Minute / time.Duration(maxInt(opsPerMin, 1)),
		curRate:  time.Minute / time.Duration(maxInt(cursorsPerMin, 1)),
		inflight: make(map[string]time.Time),
	}, nil
}

func (c *client) run(done <-chan struct{}) {
	defer c.conn.Close()

	go c.readPump(done)

	if err := c.send(map[string]interface{}{
		"type":        "register",
		"document_id": c.docID,
		"user_name":   c.id,
	}); err != nil {
		c.stats.errors.Add(1)
		return
	}

	opTicker := time.NewTicker(c.opRate)
	cursorTicker := time.NewTicker(c.curRate)
	defer opTicker.Stop()
	defer cursorTicker.Stop()

	for {
		select {
		case <-done:
			c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case <-opTicker.C:
			c.sendOperation()
		case <-cursorTicker.C:
			c.sendCursor()
		}
	}
}

func (c *client) sendOperation() {
	batchID := uuid.NewString()
	c.mu.Lock()
	version := c.version
	c.inflight[batchID] = time.Now()
	c.mu.Unlock()

	err := c.send(map[string]interface{}{
		"type":        "operation",
		"document_id": c.docID,
		"batch": map[string]interface{}{
			"id":          batchID,
			"user_id":     c.id,
			"document_id": c.docID,
			"version":     version,
			"ops": []map[string]interface{}{
				{"type": "insert", "position": 0, "text": randomWord()},
			},
		},
	})
	if err != nil {
		c.stats.errors.Add(1)
		return
	}
	c.stats.opsSent.Add(1)
}

func (c *client) sendCursor() {
	err := c.send(map[string]interface{}{
		"type":        "cursor",
		"document_id": c.docID,
		"position":    rand.Intn(128),
	})
	if err != nil {
		c.stats.errors.Add(1)
		return
	}
	c.stats.cursorsSent.Add(1)
}

func (c *client) send(frame map[string]interface{}) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// readPump tracks the document version from every frame that carries one, so
// later operations compose against fresh state even under contention.
func (c *client) readPump(done <-chan struct{}) {
	for {
		select {
		case <-done:
			return
		default:
		}
		c.conn.SetReadDeadline(time.Now().Add(90 * time.Second))
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}

		var frame struct {
			Type    string `json:"type"`
			Version *int   `json:"version"`
			BatchID string `json:"batch_id"`
			Code    string `json:"code"`
		}
		if json.Unmarshal(data, &frame) != nil {
			continue
		}

		c.mu.Lock()
		if frame.Version != nil && *frame.Version > c.version {
			c.version = *frame.Version
		}
		var sentAt time.Time
		var tracked bool
		if frame.Type == "ack" {
			sentAt, tracked = c.inflight[frame.BatchID]
			delete(c.inflight, frame.BatchID)
		}
		c.mu.Unlock()

		switch frame.Type {
		case "ack":
			c.stats.opsAcked.Add(1)
			if tracked {
				c.stats.recordLatency(time.Since(sentAt))
			}
		case "error":
			switch frame.Code {
			case "RATE_LIMITED", "BLOCKED":
				c.stats.rateLimited.Add(1)
			case "BACKPRESSURE":
				c.stats.backpressure.Add(1)
			default:
				c.stats.errors.Add(1)
			}
		}
	}
}

var words = []string{"alpha ", "bravo ", "charlie ", "delta ", "echo ", "foxtrot "}

func randomWord() string {
	return words[rand.Intn(len(words))]
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
