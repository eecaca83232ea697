package usi

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// TestHelperEngine is not a real test: re-run as a subprocess it acts as a
// small USI engine on stdin/stdout. GO_HELPER_ENGINE_MODE selects failure
// behavior.
func TestHelperEngine(t *testing.T) {
	if os.Getenv("GO_HELPER_ENGINE") != "1" {
		t.Skip("helper process")
	}
	mode := os.Getenv("GO_HELPER_ENGINE_MODE")
	in := bufio.NewScanner(os.Stdin)
	out := os.Stdout

	for in.Scan() {
		line := strings.TrimSpace(in.Text())
		switch {
		case line == "usi":
			if mode == "silent" {
				continue
			}
			fmt.Fprintln(out, "id name FakeEngine 1.0")
			fmt.Fprintln(out, "option name USI_Hash type spin default 256 min 1 max 33554432")
			fmt.Fprintln(out, "option name Threads type spin default 1 min 1 max 512")
			fmt.Fprintln(out, "option name MultiPV type spin default 1 min 1 max 800")
			fmt.Fprintln(out, "usiok")
		case line == "isready":
			fmt.Fprintln(out, "readyok")
		case line == "go infinite":
			fmt.Fprintln(out, "info depth 8 seldepth 10 multipv 1 score cp 31 nodes 1200 nps 120000 hashfull 3 pv 7g7f 3c3d 2g2f")
			fmt.Fprintln(out, "info depth 8 seldepth 9 multipv 2 score cp -12 nodes 1100 nps 110000 hashfull 3 pv 2g2f 8c8d")
			if mode == "die" {
				os.Exit(3)
			}
		case line == "stop":
			fmt.Fprintln(out, "bestmove 7g7f")
		case line == "quit":
			os.Exit(0)
		}
	}
	os.Exit(0)
}

func helperSupervisor(t *testing.T, mode string, cfg Config) *Supervisor {
	t.Helper()
	t.Setenv("GO_HELPER_ENGINE", "1")
	t.Setenv("GO_HELPER_ENGINE_MODE", mode)
	cfg.Command = []string{os.Args[0], "-test.run=TestHelperEngine"}
	s := New(cfg)
	t.Cleanup(s.Shutdown)
	return s
}

func TestSupervisorConfigure(t *testing.T) {
	s := helperSupervisor(t, "", Config{Threads: 2, HashMB: 64})
	require.NoError(t, s.Configure(context.Background()))

	st := s.Status()
	require.True(t, st.Configured)
	require.Equal(t, string(StateConfigured), st.State)
	require.Equal(t, "FakeEngine 1.0", st.EngineName)

	// Idempotent while healthy.
	require.NoError(t, s.Configure(context.Background()))
}

func TestSupervisorAnalyzeAndCancel(t *testing.T) {
	s := helperSupervisor(t, "", Config{})
	require.NoError(t, s.Configure(context.Background()))

	sub, err := s.Analyze(context.Background(), "node-1", "position startpos", 2)
	require.NoError(t, err)

	var lines []PVLine
	deadline := time.After(5 * time.Second)
	for len(lines) < 2 {
		select {
		case ev, ok := <-sub.Events():
			require.True(t, ok, "stream closed early: %v", sub.Err())
			lines = ev
		case <-deadline:
			t.Fatal("no consolidated lines before deadline")
		}
	}
	require.Equal(t, 1, lines[0].PVIndex)
	require.Equal(t, 31, lines[0].ScoreValue)
	require.Equal(t, 2, lines[1].PVIndex)
	require.Equal(t, []string{"2g2f", "8c8d"}, lines[1].PVUSI)

	require.Equal(t, "node-1", s.Status().NodeID)

	s.Cancel(sub)
	for range sub.Events() {
	}
	require.NoError(t, sub.Err())
	require.Equal(t, string(StateConfigured), s.Status().State)

	// Cancel is idempotent.
	s.Cancel(sub)
}

func TestSupervisorMultiPVCap(t *testing.T) {
	s := helperSupervisor(t, "", Config{})
	require.NoError(t, s.Configure(context.Background()))

	sub, err := s.Analyze(context.Background(), "node-1", "position startpos", 1)
	require.NoError(t, err)
	defer s.Cancel(sub)

	select {
	case lines := <-sub.Events():
		for _, pv := range lines {
			require.LessOrEqual(t, pv.PVIndex, 1)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no event before deadline")
	}
}

func TestSupervisorHandshakeTimeout(t *testing.T) {
	s := helperSupervisor(t, "silent", Config{HandshakeTimeout: 300 * time.Millisecond})
	err := s.Configure(context.Background())
	require.ErrorIs(t, err, ErrHandshakeTimeout)
	require.Equal(t, string(StateFailed), s.Status().State)
}

func TestSupervisorEngineExit(t *testing.T) {
	s := helperSupervisor(t, "die", Config{})
	require.NoError(t, s.Configure(context.Background()))

	sub, err := s.Analyze(context.Background(), "node-1", "position startpos", 1)
	require.NoError(t, err)

	for range sub.Events() {
	}
	require.ErrorIs(t, sub.Err(), ErrEngineExited)

	require.Eventually(t, func() bool {
		return s.Status().State == string(StateFailed)
	}, 5*time.Second, 20*time.Millisecond)

	// A later Configure replaces the dead process.
	require.NoError(t, s.Configure(context.Background()))
	require.Equal(t, string(StateConfigured), s.Status().State)
}

func TestSupervisorSpawnFailed(t *testing.T) {
	s := New(Config{Command: []string{"/nonexistent/engine-binary"}})
	err := s.Configure(context.Background())
	require.ErrorIs(t, err, ErrSpawnFailed)

	none := New(Config{})
	require.False(t, none.Available())
	require.ErrorIs(t, none.Configure(context.Background()), ErrSpawnFailed)
}
