// Package priority implements the priority scheduler (spec §4.I): bounded
// per-priority FIFO admission queues with age-weighted fairness, dispatched
// under a total and a per-agent concurrency bound. Generalized from the
// teacher's internal/scheduler/engine.go tick-based catch-up scheduler (the
// Component lifecycle and ticker-driven run loop are kept; the cron/lease
// machinery is replaced with a priority-queue admission engine).
package priority

import (
	"container/list"
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/harunnryd/heike/internal/config"
	heikeErrors "github.com/harunnryd/heike/internal/errors"

	"golang.org/x/sync/semaphore"
)

// Priority levels, strictly ordered critical (highest) to background
// (lowest). Dequeue scans in this order.
type Priority int

const (
	Critical Priority = iota
	High
	Normal
	Low
	Background
	numPriorities
)

func (p Priority) String() string {
	switch p {
	case Critical:
		return "critical"
	case High:
		return "high"
	case Normal:
		return "normal"
	case Low:
		return "low"
	case Background:
		return "background"
	default:
		return "unknown"
	}
}

// Run is the unit of work a Request carries. It must respect ctx
// cancellation: the scheduler cancels ctx on deadline expiry or Stop.
type Run func(ctx context.Context) (any, error)

// Request is one admitted work item (spec §4.I).
type Request struct {
	RequestID string
	AgentID   string
	Priority  Priority
	Deadline  time.Time // zero means no deadline
	Run       Run

	result chan Result
	queuedAt time.Time
}

// Result is delivered once a Request finishes, is cancelled, or is dropped.
type Result struct {
	RequestID string
	Value     any
	Err       error
}

type agentQueue struct {
	items *list.List // of *Request, front = oldest
}

// Scheduler is the priority-admission engine. It follows the teacher's
// Init/Start/Stop/Health Component lifecycle.
type Scheduler struct {
	maxConcurrency      int
	perAgentConcurrency int
	maxQueueSize        int
	fairnessWindow      int
	pollInterval        time.Duration

	mu          sync.Mutex
	queues      [numPriorities]*list.List // of *Request
	dropped     map[Priority]int64
	recentAgent [numPriorities][]string // ring of last-served agent ids, size fairnessWindow
	inFlight    map[string]int          // agentID -> in-flight count

	totalSem *semaphore.Weighted

	ctx     context.Context
	cancel  context.CancelFunc
	ticker  *time.Ticker
	running bool
	wg      sync.WaitGroup
}

// New builds a priority scheduler from spec §6 configuration.
func New(cfg config.CoreSchedConfig) (*Scheduler, error) {
	pollInterval, err := config.DurationOrDefault(cfg.PollInterval, config.DefaultCoreSchedPollInterval)
	if err != nil {
		return nil, fmt.Errorf("parse scheduler poll interval: %w", err)
	}

	maxConcurrency := cfg.MaxConcurrency
	if maxConcurrency <= 0 {
		maxConcurrency = config.DefaultCoreSchedMaxConcurrency
	}
	perAgentConcurrency := cfg.PerAgentConcurrency
	if perAgentConcurrency <= 0 {
		perAgentConcurrency = config.DefaultCoreSchedPerAgentConcurrency
	}
	maxQueueSize := cfg.MaxQueueSize
	if maxQueueSize <= 0 {
		maxQueueSize = config.DefaultCoreSchedMaxQueueSize
	}
	fairnessWindow := cfg.FairnessWindow
	if fairnessWindow <= 0 {
		fairnessWindow = config.DefaultCoreSchedFairnessWindow
	}

	s := &Scheduler{
		maxConcurrency:      maxConcurrency,
		perAgentConcurrency: perAgentConcurrency,
		maxQueueSize:        maxQueueSize,
		fairnessWindow:      fairnessWindow,
		pollInterval:        pollInterval,
		dropped:             make(map[Priority]int64),
		inFlight:            make(map[string]int),
		totalSem:            semaphore.NewWeighted(int64(maxConcurrency)),
	}
	for i := range s.queues {
		s.queues[i] = list.New()
	}
	return s, nil
}

func (s *Scheduler) Init(ctx context.Context) error {
	s.ctx, s.cancel = context.WithCancel(ctx)
	slog.Info("Priority scheduler initialized")
	return nil
}

func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = true
	s.mu.Unlock()

	s.ticker = time.NewTicker(s.pollInterval)
	s.wg.Add(1)
	go s.run()

	slog.Info("Priority scheduler started")
	return nil
}

func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	s.mu.Unlock()

	if s.ticker != nil {
		s.ticker.Stop()
	}
	s.cancel()
	s.wg.Wait()
	return nil
}

func (s *Scheduler) Health(ctx context.Context) error {
	if s.ctx == nil {
		return heikeErrors.Internal("priority scheduler not initialized")
	}
	s.mu.Lock()
	running := s.running
	s.mu.Unlock()
	if !running {
		return heikeErrors.Internal("priority scheduler not running")
	}
	return nil
}

func (s *Scheduler) run() {
	defer s.wg.Done()
	for {
		select {
		case <-s.ticker.C:
			s.dispatch()
		case <-s.ctx.Done():
			return
		}
	}
}

// Admit enqueues req onto its priority's FIFO queue. If that queue is at
// max_queue_size, the oldest entry is dropped (and reported via Dropped) to
// make room (spec §4.I). The returned channel receives exactly one Result.
func (s *Scheduler) Admit(req *Request) <-chan Result {
	req.result = make(chan Result, 1)
	req.queuedAt = time.Now()

	s.mu.Lock()
	q := s.queues[req.Priority]
	if q.Len() >= s.maxQueueSize {
		oldest := q.Front()
		if oldest != nil {
			dropped := oldest.Value.(*Request)
			q.Remove(oldest)
			s.dropped[req.Priority]++
			slog.Warn("priority queue full, dropping oldest", "priority", req.Priority, "request_id", dropped.RequestID)
			dropped.result <- Result{RequestID: dropped.RequestID, Err: heikeErrors.QueueFull(fmt.Sprintf("priority %s queue full", req.Priority))}
		}
	}
	q.PushBack(req)
	s.mu.Unlock()

	return req.result
}

// Dropped returns the number of requests dropped from a priority's queue
// due to max_queue_size pressure.
func (s *Scheduler) Dropped(p Priority) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped[p]
}

// dispatch scans priorities high to low, admitting as many eligible
// requests as current concurrency allows.
func (s *Scheduler) dispatch() {
	for {
		if !s.totalSem.TryAcquire(1) {
			return
		}
		req, ok := s.nextEligibleLocked()
		if !ok {
			s.totalSem.Release(1)
			return
		}
		s.wg.Add(1)
		go s.execute(req)
	}
}

// nextEligibleLocked finds the next request to run: the highest-priority
// non-empty queue, preferring the oldest entry whose agent was not served
// in the last fairnessWindow dequeues, falling back to the plain FIFO head
// to guarantee forward progress (spec §4.I age-weighted round-robin).
func (s *Scheduler) nextEligibleLocked() (*Request, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for p := Priority(0); p < numPriorities; p++ {
		q := s.queues[p]
		if q.Len() == 0 {
			continue
		}
		elem := s.pickEligibleLocked(p, q)
		if elem == nil {
			continue // every request in this priority's agent is at its concurrency cap; try a lower priority
		}
		req := elem.Value.(*Request)
		q.Remove(elem)
		s.inFlight[req.AgentID]++
		s.recordServedLocked(p, req.AgentID)
		return req, true
	}
	return nil, false
}

// pickEligibleLocked picks the oldest request in q whose agent is under its
// concurrency cap, preferring one whose agent was not served in the last
// fairnessWindow dequeues at this priority (age-weighted round-robin); if
// every eligible agent was recently served, it falls back to the oldest
// eligible entry regardless, to guarantee forward progress.
func (s *Scheduler) pickEligibleLocked(p Priority, q *list.List) *list.Element {
	recently := make(map[string]struct{}, len(s.recentAgent[p]))
	for _, a := range s.recentAgent[p] {
		recently[a] = struct{}{}
	}
	for e := q.Front(); e != nil; e = e.Next() {
		req := e.Value.(*Request)
		if s.inFlight[req.AgentID] >= s.perAgentConcurrency {
			continue
		}
		if _, served := recently[req.AgentID]; !served {
			return e
		}
	}
	for e := q.Front(); e != nil; e = e.Next() {
		req := e.Value.(*Request)
		if s.inFlight[req.AgentID] < s.perAgentConcurrency {
			return e
		}
	}
	return nil
}

func (s *Scheduler) recordServedLocked(p Priority, agentID string) {
	ring := s.recentAgent[p]
	ring = append(ring, agentID)
	if len(ring) > s.fairnessWindow {
		ring = ring[len(ring)-s.fairnessWindow:]
	}
	s.recentAgent[p] = ring
}

func (s *Scheduler) execute(req *Request) {
	defer s.wg.Done()
	defer s.totalSem.Release(1)
	defer func() {
		s.mu.Lock()
		s.inFlight[req.AgentID]--
		s.mu.Unlock()
	}()

	ctx := s.ctx
	var cancel context.CancelFunc
	if !req.Deadline.IsZero() {
		ctx, cancel = context.WithDeadline(s.ctx, req.Deadline)
		defer cancel()
	}

	value, err := req.Run(ctx)
	if err != nil && ctx.Err() == context.DeadlineExceeded {
		err = heikeErrors.DeadlineExceeded(fmt.Sprintf("request %s exceeded deadline", req.RequestID))
	}
	req.result <- Result{RequestID: req.RequestID, Value: value, Err: err}
}

// Age returns the time elapsed since req was admitted (queued); it keeps
// growing after the request is dispatched (spec §4.I "request age is
// observable").
func Age(req *Request) time.Duration {
	if req.queuedAt.IsZero() {
		return 0
	}
	return time.Since(req.queuedAt)
}
