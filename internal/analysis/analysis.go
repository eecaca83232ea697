// Package analysis coordinates continuous engine analysis for the current
// cursor position: it restarts the search when the position or MultiPV
// changes, coalesces engine output into rate-limited updates, and persists
// one snapshot per changed line set.
package analysis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kifulab/kifulab/internal/storage"
	"github.com/kifulab/kifulab/internal/usi"
)

// Stop reasons carried in analysis:stopped frames.
const (
	ReasonDisabled         = "disabled"
	ReasonPositionChanged  = "position_changed"
	ReasonMultiPVChanged   = "multipv_changed"
	ReasonExited           = "exited"
	ReasonNotConfigured    = "not_configured"
	ReasonSpawnFailed      = "spawn_failed"
	ReasonHandshakeTimeout = "handshake_timeout"
	ReasonProtocolError    = "protocol_error"
	ReasonShutdown         = "shutdown"
)

const (
	maxMultiPV = 5

	defaultTick  = 100 * time.Millisecond
	earlyFlush   = 500 * time.Millisecond
	steadyFlush  = 1000 * time.Millisecond
	earlyWindow  = 5000 * time.Millisecond
	snapQueueCap = 64
)

// Subscription is the slice of the supervisor's stream the coordinator
// consumes.
type Subscription interface {
	Events() <-chan []usi.PVLine
	Err() error
}

// Engine abstracts the USI supervisor for the coordinator.
type Engine interface {
	Available() bool
	Configure(ctx context.Context) error
	Analyze(ctx context.Context, nodeID, positionCmd string, multipv int) (Subscription, error)
	Cancel(sub Subscription)
}

type supervisorEngine struct {
	s *usi.Supervisor
}

func (e supervisorEngine) Available() bool { return e.s.Available() }

func (e supervisorEngine) Configure(ctx context.Context) error { return e.s.Configure(ctx) }

func (e supervisorEngine) Analyze(ctx context.Context, nodeID, positionCmd string, multipv int) (Subscription, error) {
	sub, err := e.s.Analyze(ctx, nodeID, positionCmd, multipv)
	if err != nil {
		return nil, err
	}
	return sub, nil
}

func (e supervisorEngine) Cancel(sub Subscription) {
	if real, ok := sub.(*usi.Subscription); ok {
		e.s.Cancel(real)
	}
}

// Wrap adapts the supervisor to the Engine interface.
func Wrap(s *usi.Supervisor) Engine {
	return supervisorEngine{s: s}
}

// Update is one analysis:update payload.
type Update struct {
	NodeID    string       `json:"node_id"`
	ElapsedMS int64        `json:"elapsed_ms"`
	MultiPV   int          `json:"multipv"`
	Lines     []usi.PVLine `json:"lines"`
	Bestline  []string     `json:"bestline"`
}

// StateWire is the analysis block of session:granted payloads.
type StateWire struct {
	Enabled bool   `json:"enabled"`
	MultiPV int    `json:"multipv"`
	NodeID  string `json:"node_id,omitempty"`
}

// Events are the coordinator's outputs. All callbacks run with the
// coordinator lock held so stop/update ordering is preserved; they must
// enqueue and return without calling back into the coordinator.
type Events struct {
	Update  func(Update)
	Stopped func(reason string)
	Toast   func(level, message string)
}

// SnapshotStore is the write-behind sink.
type SnapshotStore interface {
	AppendSnapshot(storage.Snapshot) error
}

// Options tune the clock for tests.
type Options struct {
	Now          func() time.Time
	TickInterval time.Duration
}

// Coordinator drives one engine search at a time for the synchronizer.
type Coordinator struct {
	engine Engine
	store  SnapshotStore
	events Events
	log    *zap.Logger

	now  func() time.Time
	tick time.Duration

	// searchMu serializes the cancel+configure+analyze sequence of the
	// background restart goroutines: a deposed start can never call
	// Analyze after the start that replaced it, so the engine's own
	// depose-on-Analyze can never kill the current subscription.
	searchMu sync.Mutex

	mu          sync.Mutex
	closed      bool
	enabled     bool
	multipv     int
	nodeID      string
	posCmd      string
	sub         Subscription
	startGen    int
	searchStart time.Time
	lastFlush   time.Time
	latest      []usi.PVLine
	dirty       bool
	lastSig     string

	snapCh chan storage.Snapshot
	done   chan struct{}
	wg     sync.WaitGroup
}

// New builds the coordinator and starts its ticker and snapshot writer.
func New(engine Engine, store SnapshotStore, events Events, logger *zap.Logger, opts Options) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Coordinator{
		engine:  engine,
		store:   store,
		events:  events,
		log:     logger,
		now:     opts.Now,
		tick:    opts.TickInterval,
		multipv: 1,
		snapCh:  make(chan storage.Snapshot, snapQueueCap),
		done:    make(chan struct{}),
	}
	if c.now == nil {
		c.now = time.Now
	}
	if c.tick <= 0 {
		c.tick = defaultTick
	}
	c.wg.Add(2)
	go c.tickerLoop()
	go c.snapshotLoop()
	return c
}

// Enabled reports whether analysis is on.
func (c *Coordinator) Enabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.enabled
}

// MultiPV reports the requested line count.
func (c *Coordinator) MultiPV() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.multipv
}

// StateWire returns the current analysis state for handshake payloads.
func (c *Coordinator) StateWire() StateWire {
	c.mu.Lock()
	defer c.mu.Unlock()
	w := StateWire{Enabled: c.enabled, MultiPV: c.multipv}
	if c.sub != nil {
		w.NodeID = c.nodeID
	}
	return w
}

// SetEnabled turns analysis on or off. Enabling without an engine emits a
// warning toast and a not_configured stop.
func (c *Coordinator) SetEnabled(on bool) {
	c.mu.Lock()
	if c.closed || c.enabled == on {
		c.mu.Unlock()
		return
	}
	if !on {
		c.enabled = false
		c.stopLocked(ReasonDisabled, false)
		c.mu.Unlock()
		return
	}
	if !c.engine.Available() {
		c.events.Stopped(ReasonNotConfigured)
		c.events.Toast("warning", "no analysis engine is configured")
		c.mu.Unlock()
		return
	}
	c.enabled = true
	c.startGen++
	gen := c.startGen
	node, cmd := c.nodeID, c.posCmd
	c.mu.Unlock()
	if cmd != "" {
		go func() {
			c.searchMu.Lock()
			defer c.searchMu.Unlock()
			c.startSearch(gen, node, cmd)
		}()
	}
}

// SetMultiPV clamps to 1..5 and restarts an active search. Returns the
// applied value.
func (c *Coordinator) SetMultiPV(n int) int {
	if n < 1 {
		n = 1
	}
	if n > maxMultiPV {
		n = maxMultiPV
	}
	c.mu.Lock()
	if c.closed || n == c.multipv {
		c.mu.Unlock()
		return n
	}
	c.multipv = n
	c.stopLocked(ReasonMultiPVChanged, true)
	c.mu.Unlock()
	return n
}

// PositionChanged records the new cursor position and restarts analysis
// when enabled.
func (c *Coordinator) PositionChanged(nodeID, positionCmd string) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	if nodeID == c.nodeID && positionCmd == c.posCmd {
		c.mu.Unlock()
		return
	}
	c.nodeID = nodeID
	c.posCmd = positionCmd
	c.stopLocked(ReasonPositionChanged, true)
	c.mu.Unlock()
}

// Shutdown stops the search and both worker goroutines.
func (c *Coordinator) Shutdown() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.enabled = false
	c.stopLocked(ReasonShutdown, false)
	close(c.done)
	close(c.snapCh)
	c.mu.Unlock()
	c.wg.Wait()
}

// stopLocked deposes the active subscription, emits analysis:stopped when a
// search was running, and schedules cancellation (and the restart, when
// asked) on a background goroutine. Caller holds c.mu.
func (c *Coordinator) stopLocked(reason string, restart bool) {
	sub := c.sub
	c.sub = nil
	c.latest = nil
	c.dirty = false
	c.startGen++
	gen := c.startGen

	if sub != nil {
		c.events.Stopped(reason)
	}

	var node, cmd string
	if restart && c.enabled && c.posCmd != "" {
		node, cmd = c.nodeID, c.posCmd
	}
	if sub == nil && cmd == "" {
		return
	}
	go func() {
		c.searchMu.Lock()
		defer c.searchMu.Unlock()
		if sub != nil {
			c.engine.Cancel(sub)
		}
		if cmd != "" {
			c.startSearch(gen, node, cmd)
		}
	}()
}

// startSearch configures the engine if needed and begins a search. Runs on
// a background goroutine under searchMu; a stale generation abandons the
// result.
func (c *Coordinator) startSearch(gen int, nodeID, positionCmd string) {
	ctx := context.Background()
	if err := c.engine.Configure(ctx); err != nil {
		c.failSearch(gen, err)
		return
	}

	c.mu.Lock()
	if gen != c.startGen || !c.enabled || c.closed {
		c.mu.Unlock()
		return
	}
	multipv := c.multipv
	c.mu.Unlock()

	sub, err := c.engine.Analyze(ctx, nodeID, positionCmd, multipv)
	if err != nil {
		c.failSearch(gen, err)
		return
	}

	c.mu.Lock()
	if gen != c.startGen || !c.enabled || c.closed {
		c.mu.Unlock()
		c.engine.Cancel(sub)
		return
	}
	c.sub = sub
	c.searchStart = c.now()
	c.lastFlush = time.Time{}
	c.latest = nil
	c.dirty = false
	c.mu.Unlock()

	c.wg.Add(1)
	go c.consume(gen, sub)
}

// failSearch classifies a spawn/handshake/search failure, disables analysis
// and notifies the owner.
func (c *Coordinator) failSearch(gen int, err error) {
	reason := ReasonProtocolError
	switch {
	case errors.Is(err, usi.ErrSpawnFailed):
		reason = ReasonSpawnFailed
	case errors.Is(err, usi.ErrHandshakeTimeout):
		reason = ReasonHandshakeTimeout
	case errors.Is(err, usi.ErrEngineExited):
		reason = ReasonExited
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.startGen || c.closed {
		return
	}
	c.enabled = false
	c.sub = nil
	c.startGen++
	c.log.Warn("analysis failed", zap.String("reason", reason), zap.Error(err))
	c.events.Stopped(reason)
	c.events.Toast("error", "engine analysis failed: "+err.Error())
}

// consume drains one subscription into the coalescer.
func (c *Coordinator) consume(gen int, sub Subscription) {
	defer c.wg.Done()
	for lines := range sub.Events() {
		c.mu.Lock()
		if gen == c.startGen && c.sub == sub {
			c.latest = lines
			c.dirty = true
		}
		c.mu.Unlock()
	}
	if err := sub.Err(); err != nil {
		c.failSearch(gen, err)
	}
}

// tickerLoop flushes the coalesced line set on the cadence: at most one
// update per 500 ms for the first 5 s of a search, then one per second.
func (c *Coordinator) tickerLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.tick)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.flush()
		}
	}
}

func (c *Coordinator) flush() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sub == nil || !c.dirty || len(c.latest) == 0 {
		return
	}
	now := c.now()
	interval := steadyFlush
	if now.Sub(c.searchStart) < earlyWindow {
		interval = earlyFlush
	}
	if !c.lastFlush.IsZero() && now.Sub(c.lastFlush) < interval {
		return
	}
	c.lastFlush = now
	c.dirty = false

	lines := make([]usi.PVLine, len(c.latest))
	copy(lines, c.latest)
	var bestline []string
	for _, pv := range lines {
		if pv.PVIndex == 1 {
			bestline = pv.PVUSI
			break
		}
	}
	upd := Update{
		NodeID:    c.nodeID,
		ElapsedMS: now.Sub(c.searchStart).Milliseconds(),
		MultiPV:   c.multipv,
		Lines:     lines,
		Bestline:  bestline,
	}
	c.events.Update(upd)

	if sig := lineSetSignature(lines); sig != c.lastSig {
		c.lastSig = sig
		snap := storage.Snapshot{
			NodeID:    upd.NodeID,
			ElapsedMS: upd.ElapsedMS,
			MultiPV:   upd.MultiPV,
			Lines:     lines,
		}
		select {
		case c.snapCh <- snap:
		default:
			c.log.Warn("snapshot queue full, dropping", zap.String("node_id", snap.NodeID))
		}
	}
}

// snapshotLoop persists queued snapshots in arrival order.
func (c *Coordinator) snapshotLoop() {
	defer c.wg.Done()
	for snap := range c.snapCh {
		if err := c.store.AppendSnapshot(snap); err != nil {
			c.log.Warn("snapshot write failed", zap.String("node_id", snap.NodeID), zap.Error(err))
		}
	}
}

// lineSetSignature is stable across flushes whose lines did not change, so
// identical consecutive sets are persisted once.
func lineSetSignature(lines []usi.PVLine) string {
	var b strings.Builder
	for _, pv := range lines {
		fmt.Fprintf(&b, "%d:%s:%d:%d:%s|", pv.PVIndex, pv.ScoreType, pv.ScoreValue, pv.Depth, strings.Join(pv.PVUSI, " "))
	}
	return b.String()
}
