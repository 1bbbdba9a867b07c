package ratelimit

import (
	"sync"
	"time"
)

// SlidingWindow admits at most limit requests within any trailing window.
type SlidingWindow struct {
	limit  int
	window time.Duration

	mu      sync.Mutex
	history map[string][]time.Time
	maxKeys int

	now func() time.Time
}

// NewSlidingWindow builds a sliding-window limiter.
func NewSlidingWindow(limit int, window time.Duration) *SlidingWindow {
	if limit <= 0 {
		limit = 1
	}
	if window <= 0 {
		window = time.Minute
	}
	return &SlidingWindow{
		limit:   limit,
		window:  window,
		history: make(map[string][]time.Time),
		maxKeys: maxTrackedKeys,
		now:     time.Now,
	}
}

// Check records the request timestamp unless the trailing window is full.
func (s *SlidingWindow) Check(key string) Result {
	now := s.now()
	cutoff := now.Add(-s.window)

	s.mu.Lock()
	defer s.mu.Unlock()

	stamps := s.history[key]
	pruned := stamps[:0]
	for _, ts := range stamps {
		if ts.After(cutoff) {
			pruned = append(pruned, ts)
		}
	}

	if len(pruned) >= s.limit {
		s.history[key] = pruned
		// The oldest surviving stamp leaving the window frees a slot.
		retryAfter := pruned[0].Add(s.window).Sub(now)
		if retryAfter < 0 {
			retryAfter = 0
		}
		return Result{Code: VerdictLimited, RetryAfter: retryAfter}
	}

	if _, ok := s.history[key]; !ok {
		s.evictLocked()
	}
	s.history[key] = append(pruned, now)
	return allowed()
}

func (s *SlidingWindow) evictLocked() {
	if len(s.history) < s.maxKeys {
		return
	}
	var oldestKey string
	var oldest time.Time
	for k, stamps := range s.history {
		last := time.Time{}
		if len(stamps) > 0 {
			last = stamps[len(stamps)-1]
		}
		if oldestKey == "" || last.Before(oldest) {
			oldestKey = k
			oldest = last
		}
	}
	delete(s.history, oldestKey)
}

// FixedWindow admits at most limit requests per wall-clock window.
type FixedWindow struct {
	limit  int
	window time.Duration

	mu      sync.Mutex
	windows map[string]*fixedWindowState
	maxKeys int

	now func() time.Time
}

type fixedWindowState struct {
	start time.Time
	count int
}

// NewFixedWindow builds a fixed-window counter limiter.
func NewFixedWindow(limit int, window time.Duration) *FixedWindow {
	if limit <= 0 {
		limit = 1
	}
	if window <= 0 {
		window = time.Minute
	}
	return &FixedWindow{
		limit:   limit,
		window:  window,
		windows: make(map[string]*fixedWindowState),
		maxKeys: maxTrackedKeys,
		now:     time.Now,
	}
}

// Check counts the request against the current wall-clock window.
func (f *FixedWindow) Check(key string) Result {
	now := f.now()
	windowStart := now.Truncate(f.window)

	f.mu.Lock()
	defer f.mu.Unlock()

	w, ok := f.windows[key]
	if !ok || !w.start.Equal(windowStart) {
		if !ok {
			f.evictLocked()
		}
		f.windows[key] = &fixedWindowState{start: windowStart, count: 1}
		return allowed()
	}

	if w.count >= f.limit {
		return Result{Code: VerdictLimited, RetryAfter: windowStart.Add(f.window).Sub(now)}
	}
	w.count++
	return allowed()
}

func (f *FixedWindow) evictLocked() {
	if len(f.windows) < f.maxKeys {
		return
	}
	var oldestKey string
	var oldest time.Time
	for k, w := range f.windows {
		if oldestKey == "" || w.start.Before(oldest) {
			oldestKey = k
			oldest = w.start
		}
	}
	delete(f.windows, oldestKey)
}
