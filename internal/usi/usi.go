// Package usi supervises a single external USI engine process: spawn and
// handshake, option configuration, infinite-analysis searches with streamed
// principal variations, and bounded stop/shutdown.
package usi

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

var (
	// ErrSpawnFailed is returned when the engine process cannot be started.
	ErrSpawnFailed = errors.New("engine spawn failed")
	// ErrHandshakeTimeout is returned when usiok or readyok does not arrive
	// within the handshake timeout.
	ErrHandshakeTimeout = errors.New("engine handshake timeout")
	// ErrProtocol covers unusable engine I/O outside the handshake.
	ErrProtocol = errors.New("engine protocol error")
	// ErrEngineExited is returned when the process dies underneath us.
	ErrEngineExited = errors.New("engine process exited")
)

// State is the supervisor lifecycle state.
type State string

const (
	StateIdle        State = "idle"
	StateHandshaking State = "handshaking"
	StateReady       State = "ready"
	StateConfigured  State = "configured"
	StateSearching   State = "searching"
	StateFailed      State = "failed"
)

const (
	defaultHandshakeTimeout = 5 * time.Second
	defaultStopTimeout      = 3 * time.Second
	quitGrace               = 2 * time.Second
	stderrRingSize          = 120
	scannerBufferSize       = 1024 * 1024
)

// Config carries the engine command line and tuning knobs.
type Config struct {
	Command          []string
	EvalDir          string
	Threads          int
	HashMB           int
	HandshakeTimeout time.Duration
	StopTimeout      time.Duration
	Logger           *zap.Logger
}

// Status is the wire shape reported in healthz and session:granted payloads.
type Status struct {
	Configured bool   `json:"configured"`
	State      string `json:"status"`
	EngineName string `json:"engine_name,omitempty"`
	Command    string `json:"command,omitempty"`
	EvalDir    string `json:"eval_dir,omitempty"`
	NodeID     string `json:"node_id,omitempty"`
	MultiPV    int    `json:"multipv"`
	Threads    int    `json:"threads"`
	HashMB     int    `json:"hash_mb"`
	LastError  string `json:"last_error,omitempty"`
}

// Subscription streams consolidated PV line sets for one search. The events
// channel closes on the terminal event; Err reports why (nil for a clean
// cancel).
type Subscription struct {
	mu     sync.Mutex
	events chan []PVLine
	closed bool
	err    error
}

// Events returns the consolidated line stream. The channel closes when the
// search ends.
func (sub *Subscription) Events() <-chan []PVLine {
	return sub.events
}

// Err reports the terminal error after Events closes.
func (sub *Subscription) Err() error {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	return sub.err
}

// publish delivers the latest consolidated set, replacing the oldest queued
// set when the consumer lags.
func (sub *Subscription) publish(lines []PVLine) {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	if sub.closed {
		return
	}
	select {
	case sub.events <- lines:
		return
	default:
	}
	select {
	case <-sub.events:
	default:
	}
	select {
	case sub.events <- lines:
	default:
	}
}

// terminate closes the stream once. Later publishes are dropped.
func (sub *Subscription) terminate(err error) {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	if sub.closed {
		return
	}
	sub.closed = true
	sub.err = err
	close(sub.events)
}

// lineRing is a bounded buffer of recent engine stderr lines, attached to
// handshake and protocol errors for diagnostics.
type lineRing struct {
	mu    sync.Mutex
	lines []string
	max   int
}

func newLineRing(max int) *lineRing {
	return &lineRing{max: max}
}

func (r *lineRing) add(line string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lines = append(r.lines, line)
	if len(r.lines) > r.max {
		r.lines = r.lines[len(r.lines)-r.max:]
	}
}

func (r *lineRing) tail(n int) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	lines := r.lines
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}

// Supervisor owns at most one engine process. Reader goroutines are guarded
// by a generation counter so output from a dead process cannot touch the
// state of its successor.
type Supervisor struct {
	cfg Config
	log *zap.Logger

	mu         sync.Mutex
	state      State
	gen        int
	cmd        *exec.Cmd
	stdin      io.WriteCloser
	procDone   chan struct{}
	engineName string
	options    map[string]string // lowercased -> declared option name
	evalDir    string
	lastError  string
	stderrRing *lineRing

	usiokCh    chan struct{}
	readyokCh  chan struct{}
	bestmoveCh chan struct{}

	active         *Subscription
	lineMap        map[int]PVLine
	searchNode     string
	activeMultiPV  int
	appliedMultiPV int
}

// New builds a supervisor. The engine is not spawned until Configure.
func New(cfg Config) *Supervisor {
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = defaultHandshakeTimeout
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = defaultStopTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Supervisor{
		cfg:     cfg,
		log:     cfg.Logger,
		state:   StateIdle,
		options: map[string]string{},
		evalDir: cfg.EvalDir,
	}
}

// Available reports whether an engine command is configured at all.
func (s *Supervisor) Available() bool {
	return len(s.cfg.Command) > 0
}

// Status snapshots the supervisor for wire payloads.
func (s *Supervisor) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Status{
		Configured: s.Available(),
		State:      string(s.state),
		EngineName: s.engineName,
		Command:    strings.Join(s.cfg.Command, " "),
		EvalDir:    s.evalDir,
		NodeID:     s.searchNode,
		MultiPV:    s.activeMultiPV,
		Threads:    s.cfg.Threads,
		HashMB:     s.cfg.HashMB,
		LastError:  s.lastError,
	}
}

// Configure spawns and handshakes the engine if needed: usi/usiok, boot
// options (EvalDir, Threads, hash) before the first isready, then
// isready/readyok and usinewgame. Safe to call again after a failure; the
// dead process is replaced.
func (s *Supervisor) Configure(ctx context.Context) error {
	s.mu.Lock()
	if !s.Available() {
		s.mu.Unlock()
		return fmt.Errorf("%w: no engine command configured", ErrSpawnFailed)
	}
	switch s.state {
	case StateConfigured, StateSearching:
		s.mu.Unlock()
		return nil
	}
	if s.cmd != nil {
		s.killLocked()
	}

	s.state = StateHandshaking
	s.lastError = ""
	s.engineName = ""
	s.options = map[string]string{}
	s.lineMap = nil
	ring := newLineRing(stderrRingSize)
	s.stderrRing = ring

	name := s.cfg.Command[0]
	if len(s.cfg.Command) == 1 {
		if _, err := os.Stat(name); err != nil {
			s.state = StateFailed
			s.lastError = err.Error()
			s.mu.Unlock()
			return fmt.Errorf("%w: %v", ErrSpawnFailed, err)
		}
	}
	cmd := exec.Command(name, s.cfg.Command[1:]...)
	if len(s.cfg.Command) == 1 {
		if dir := filepath.Dir(name); dir != "" && dir != "." {
			cmd.Dir = dir
		}
	}
	stdin, stdout, stderr, err := enginePipes(cmd)
	if err == nil {
		err = cmd.Start()
	}
	if err != nil {
		s.state = StateFailed
		s.lastError = err.Error()
		s.mu.Unlock()
		return fmt.Errorf("%w: %v", ErrSpawnFailed, err)
	}

	s.gen++
	gen := s.gen
	s.cmd = cmd
	s.stdin = stdin
	procDone := make(chan struct{})
	s.procDone = procDone
	s.usiokCh = make(chan struct{}, 1)
	usiok := s.usiokCh

	go s.readStdout(gen, stdout)
	go s.readStderr(gen, ring, stderr)
	go func() {
		_ = cmd.Wait()
		close(procDone)
		s.onExit(gen)
	}()

	if err := s.sendLocked("usi"); err != nil {
		s.mu.Unlock()
		s.fail(gen, err)
		return err
	}
	s.mu.Unlock()

	if err := s.await(ctx, usiok, procDone, "usiok"); err != nil {
		s.fail(gen, err)
		return err
	}

	s.mu.Lock()
	if s.gen != gen || s.state != StateHandshaking {
		s.mu.Unlock()
		return fmt.Errorf("%w: during handshake", ErrEngineExited)
	}
	s.applyBootOptionsLocked()
	s.readyokCh = make(chan struct{}, 1)
	readyok := s.readyokCh
	if err := s.sendLocked("isready"); err != nil {
		s.mu.Unlock()
		s.fail(gen, err)
		return err
	}
	s.mu.Unlock()

	if err := s.await(ctx, readyok, procDone, "readyok"); err != nil {
		s.fail(gen, err)
		return err
	}

	s.mu.Lock()
	if s.gen != gen || s.state != StateHandshaking {
		s.mu.Unlock()
		return fmt.Errorf("%w: during handshake", ErrEngineExited)
	}
	s.state = StateReady
	if err := s.sendLocked("usinewgame"); err != nil {
		s.mu.Unlock()
		s.fail(gen, err)
		return err
	}
	s.state = StateConfigured
	s.appliedMultiPV = 1
	s.activeMultiPV = 1
	s.mu.Unlock()
	return nil
}

func enginePipes(cmd *exec.Cmd) (io.WriteCloser, io.ReadCloser, io.ReadCloser, error) {
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, nil, nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, nil, nil, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, nil, nil, err
	}
	return stdin, stdout, stderr, nil
}

// Analyze starts an infinite search for the given node and position command,
// stopping any running search first. MultiPV changes are applied with an
// isready round trip before the search starts.
func (s *Supervisor) Analyze(ctx context.Context, nodeID, positionCmd string, multipv int) (*Subscription, error) {
	if multipv < 1 {
		multipv = 1
	}
	if multipv > 20 {
		multipv = 20
	}

	s.stopSearch(nil)

	s.mu.Lock()
	if s.state != StateConfigured {
		state := s.state
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: engine not ready (state %s)", ErrProtocol, state)
	}
	gen := s.gen
	if multipv != s.appliedMultiPV && s.supportsLocked("MultiPV") {
		if err := s.sendLocked(fmt.Sprintf("setoption name %s value %d", s.declaredLocked("MultiPV"), multipv)); err != nil {
			s.mu.Unlock()
			s.fail(gen, err)
			return nil, err
		}
		s.readyokCh = make(chan struct{}, 1)
		readyok := s.readyokCh
		procDone := s.procDone
		if err := s.sendLocked("isready"); err != nil {
			s.mu.Unlock()
			s.fail(gen, err)
			return nil, err
		}
		s.mu.Unlock()
		if err := s.await(ctx, readyok, procDone, "readyok after setoption"); err != nil {
			s.fail(gen, err)
			return nil, err
		}
		s.mu.Lock()
		if s.gen != gen || s.state != StateConfigured {
			s.mu.Unlock()
			return nil, fmt.Errorf("%w: during option change", ErrEngineExited)
		}
		s.appliedMultiPV = multipv
	}

	sub := &Subscription{events: make(chan []PVLine, 8)}
	s.active = sub
	s.searchNode = nodeID
	s.activeMultiPV = multipv
	s.lineMap = map[int]PVLine{}
	if err := s.sendLocked(positionCmd); err != nil {
		s.active = nil
		s.searchNode = ""
		s.mu.Unlock()
		s.fail(gen, err)
		return nil, err
	}
	if err := s.sendLocked("go infinite"); err != nil {
		s.active = nil
		s.searchNode = ""
		s.mu.Unlock()
		s.fail(gen, err)
		return nil, err
	}
	s.state = StateSearching
	s.mu.Unlock()
	return sub, nil
}

// Cancel ends a search. The subscription is closed before stop is sent, so
// residual info between stop and bestmove is never delivered. Idempotent.
func (s *Supervisor) Cancel(sub *Subscription) {
	if sub == nil {
		return
	}
	sub.terminate(nil)
	s.stopSearch(sub)
}

// stopSearch stops the active search (or the given one, when target is not
// nil) and awaits bestmove for the stop timeout, killing the engine when it
// does not answer.
func (s *Supervisor) stopSearch(target *Subscription) {
	s.mu.Lock()
	sub := s.active
	if sub == nil || (target != nil && sub != target) {
		s.mu.Unlock()
		return
	}
	s.active = nil
	s.searchNode = ""
	s.lineMap = nil
	if s.state == StateSearching {
		s.state = StateConfigured
	}
	s.bestmoveCh = make(chan struct{}, 1)
	bestmove := s.bestmoveCh
	procDone := s.procDone
	stopErr := s.sendLocked("stop")
	s.mu.Unlock()

	sub.terminate(nil)
	if stopErr != nil {
		return
	}
	timer := time.NewTimer(s.cfg.StopTimeout)
	defer timer.Stop()
	select {
	case <-bestmove:
	case <-procDone:
	case <-timer.C:
		s.log.Warn("engine did not answer stop, killing it")
		s.kill()
	}
}

// Shutdown quits the engine with a short grace period, then kills it.
func (s *Supervisor) Shutdown() {
	s.stopSearch(nil)

	s.mu.Lock()
	cmd := s.cmd
	procDone := s.procDone
	if cmd != nil {
		_ = s.sendLocked("quit")
	}
	// Detach the exit handler; this exit is expected.
	s.gen++
	s.cmd = nil
	s.stdin = nil
	s.state = StateIdle
	s.mu.Unlock()

	if cmd == nil {
		return
	}
	timer := time.NewTimer(quitGrace)
	defer timer.Stop()
	select {
	case <-procDone:
	case <-timer.C:
		if cmd.Process != nil {
			_ = cmd.Process.Kill()
		}
		<-procDone
	}
}

func (s *Supervisor) await(ctx context.Context, ch, procDone <-chan struct{}, label string) error {
	timer := time.NewTimer(s.cfg.HandshakeTimeout)
	defer timer.Stop()
	select {
	case <-ch:
		return nil
	case <-procDone:
		return fmt.Errorf("%w: while waiting for %s\n%s", ErrEngineExited, label, s.stderrTail())
	case <-timer.C:
		return fmt.Errorf("%w: waiting for %s\n%s", ErrHandshakeTimeout, label, s.stderrTail())
	case <-ctx.Done():
		return ctx.Err()
	}
}

// fail records the error, kills the process and terminates the active
// subscription. No-op when the generation has already moved on.
func (s *Supervisor) fail(gen int, err error) {
	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		return
	}
	s.lastError = err.Error()
	s.state = StateFailed
	sub := s.active
	s.active = nil
	s.searchNode = ""
	s.killLocked()
	s.mu.Unlock()
	if sub != nil {
		sub.terminate(err)
	}
}

// onExit runs when the child is reaped. For the current generation this is
// an unexpected death: state goes Failed and the active search gets a
// terminal EngineExited.
func (s *Supervisor) onExit(gen int) {
	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		return
	}
	if s.state != StateFailed {
		s.state = StateFailed
		if s.lastError == "" {
			s.lastError = ErrEngineExited.Error()
		}
	}
	sub := s.active
	s.active = nil
	s.searchNode = ""
	s.cmd = nil
	s.stdin = nil
	s.mu.Unlock()
	s.log.Warn("engine process exited", zap.Int("generation", gen))
	if sub != nil {
		sub.terminate(ErrEngineExited)
	}
}

func (s *Supervisor) kill() {
	s.mu.Lock()
	s.killLocked()
	s.mu.Unlock()
}

func (s *Supervisor) killLocked() {
	if s.cmd != nil && s.cmd.Process != nil {
		_ = s.cmd.Process.Kill()
	}
}

func (s *Supervisor) sendLocked(line string) error {
	if s.stdin == nil {
		return fmt.Errorf("%w: engine stdin unavailable", ErrProtocol)
	}
	s.log.Debug("usi send", zap.String("line", line))
	if _, err := io.WriteString(s.stdin, line+"\n"); err != nil {
		return fmt.Errorf("%w: write: %v", ErrProtocol, err)
	}
	return nil
}

func (s *Supervisor) supportsLocked(name string) bool {
	_, ok := s.options[strings.ToLower(name)]
	return ok
}

// declaredLocked returns the engine's declared spelling of an option name.
func (s *Supervisor) declaredLocked(name string) string {
	if declared, ok := s.options[strings.ToLower(name)]; ok {
		return declared
	}
	return name
}

// applyBootOptionsLocked sends the options that must precede the first
// isready: EvalDir, Threads, then USI_Hash or Hash.
func (s *Supervisor) applyBootOptionsLocked() {
	if s.supportsLocked("EvalDir") {
		if dir := guessEvalDir(s.cfg.Command, s.cfg.EvalDir); dir != "" {
			s.evalDir = dir
			_ = s.sendLocked(fmt.Sprintf("setoption name %s value %s", s.declaredLocked("EvalDir"), dir))
		}
	}
	if s.cfg.Threads > 0 && s.supportsLocked("Threads") {
		_ = s.sendLocked(fmt.Sprintf("setoption name %s value %d", s.declaredLocked("Threads"), s.cfg.Threads))
	}
	if s.cfg.HashMB > 0 {
		switch {
		case s.supportsLocked("USI_Hash"):
			_ = s.sendLocked(fmt.Sprintf("setoption name %s value %d", s.declaredLocked("USI_Hash"), s.cfg.HashMB))
		case s.supportsLocked("Hash"):
			_ = s.sendLocked(fmt.Sprintf("setoption name %s value %d", s.declaredLocked("Hash"), s.cfg.HashMB))
		}
	}
}

// guessEvalDir infers the NNUE eval directory: the explicit one when it
// exists, else an eval/ directory next to or above the engine binary,
// preferring one that contains nn.bin.
func guessEvalDir(command []string, explicit string) string {
	if explicit != "" {
		if st, err := os.Stat(explicit); err == nil && st.IsDir() {
			return explicit
		}
	}
	if len(command) != 1 {
		return ""
	}
	dir := filepath.Dir(command[0])
	candidates := []string{
		filepath.Join(dir, "eval"),
		filepath.Join(dir, "..", "eval"),
		filepath.Join(dir, "..", "..", "eval"),
	}
	for _, d := range candidates {
		if _, err := os.Stat(filepath.Join(d, "nn.bin")); err == nil {
			return d
		}
		entries, err := os.ReadDir(d)
		if err != nil {
			continue
		}
		for _, e := range entries {
			if !e.IsDir() {
				return d
			}
		}
	}
	return ""
}

func (s *Supervisor) stderrTail() string {
	s.mu.Lock()
	ring := s.stderrRing
	s.mu.Unlock()
	if ring == nil {
		return ""
	}
	return ring.tail(40)
}

func (s *Supervisor) readStdout(gen int, r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), scannerBufferSize)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		s.handleLine(gen, line)
	}
}

func (s *Supervisor) readStderr(gen int, ring *lineRing, r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), scannerBufferSize)
	for scanner.Scan() {
		line := scanner.Text()
		ring.add(line)
		s.log.Debug("engine stderr", zap.Int("generation", gen), zap.String("line", line))
	}
}

func (s *Supervisor) handleLine(gen int, line string) {
	var publish []PVLine
	var sub *Subscription

	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		return
	}
	switch {
	case line == "usiok":
		signal(s.usiokCh)
	case line == "readyok":
		signal(s.readyokCh)
	case strings.HasPrefix(line, "bestmove"):
		signal(s.bestmoveCh)
	case strings.HasPrefix(line, "id name "):
		s.engineName = strings.TrimSpace(strings.TrimPrefix(line, "id name "))
	case strings.HasPrefix(line, "option name "):
		if name := parseOptionName(line); name != "" {
			s.options[strings.ToLower(name)] = name
		}
	case strings.HasPrefix(line, "info"):
		if s.active == nil {
			break
		}
		pv, ok := parseInfoLine(line)
		if !ok {
			break
		}
		if s.mergeInfoLocked(pv) {
			publish = s.consolidatedLocked()
			sub = s.active
		}
	}
	s.mu.Unlock()

	if sub != nil {
		sub.publish(publish)
	}
}

// mergeInfoLocked folds a parsed info line into the line map. A line without
// a pv updates the counters of the stored line for its index but never
// clears its moves; with no stored line it is dropped.
func (s *Supervisor) mergeInfoLocked(pv PVLine) bool {
	if len(pv.PVUSI) > 0 {
		s.lineMap[pv.PVIndex] = pv
		return true
	}
	existing, ok := s.lineMap[pv.PVIndex]
	if !ok {
		return false
	}
	if pv.Depth > 0 {
		existing.Depth = pv.Depth
	}
	if pv.Seldepth > 0 {
		existing.Seldepth = pv.Seldepth
	}
	if pv.Nodes > 0 {
		existing.Nodes = pv.Nodes
	}
	if pv.NPS > 0 {
		existing.NPS = pv.NPS
	}
	if pv.Hashfull > 0 {
		existing.Hashfull = pv.Hashfull
	}
	if pv.ScoreType != "unknown" {
		existing.ScoreType = pv.ScoreType
		existing.ScoreValue = pv.ScoreValue
	}
	s.lineMap[pv.PVIndex] = existing
	return true
}

// consolidatedLocked returns the stored lines sorted by pv index, capped at
// the active MultiPV.
func (s *Supervisor) consolidatedLocked() []PVLine {
	indices := make([]int, 0, len(s.lineMap))
	for idx := range s.lineMap {
		if idx <= s.activeMultiPV {
			indices = append(indices, idx)
		}
	}
	sort.Ints(indices)
	out := make([]PVLine, 0, len(indices))
	for _, idx := range indices {
		out = append(out, s.lineMap[idx])
	}
	return out
}

func signal(ch chan struct{}) {
	if ch == nil {
		return
	}
	select {
	case ch <- struct{}{}:
	default:
	}
}
