package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/kifulab/kifulab/internal/config"
	"github.com/kifulab/kifulab/internal/storage"
	"github.com/kifulab/kifulab/internal/tree"
	"github.com/kifulab/kifulab/internal/usi"
)

const testKIF = `手合割：平手
先手：先手
後手：後手

手数----指手---------
   1 ７六歩(77)
   2 ３四歩(33)
   3 ２二角成(88)
`

func newTestServer(t *testing.T, mutate ...func(*config.Config)) (*Server, *httptest.Server) {
	t.Helper()
	store, err := storage.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	cfg := config.Config{
		Addr:           "127.0.0.1:0",
		ImportMaxBytes: 2 << 20,
		EngineThreads:  1,
		EngineHashMB:   16,
	}
	for _, fn := range mutate {
		fn(&cfg)
	}

	sup := usi.New(usi.Config{})
	t.Cleanup(sup.Shutdown)

	srv, err := New(cfg, store, sup, nil)
	require.NoError(t, err)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ts.Close()
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		srv.Stop(ctx)
	})
	return srv, ts
}

func dialWS(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

type testFrame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

func readFrame(t *testing.T, conn *websocket.Conn) testFrame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	var f testFrame
	require.NoError(t, conn.ReadJSON(&f))
	return f
}

// waitFrame skips unrelated frames until one of the wanted type arrives.
func waitFrame(t *testing.T, conn *websocket.Conn, typ string) testFrame {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		f := readFrame(t, conn)
		if f.Type == typ {
			return f
		}
	}
	t.Fatalf("no %s frame before deadline", typ)
	return testFrame{}
}

type grantedWire struct {
	SessionID  string    `json:"session_id"`
	OwnerToken string    `json:"owner_token"`
	Game       tree.Wire `json:"game"`
	Caps       struct {
		Analysis bool `json:"analysis"`
	} `json:"server_capabilities"`
}

func acquire(t *testing.T, conn *websocket.Conn) grantedWire {
	t.Helper()
	f := waitFrame(t, conn, "session:granted")
	var g grantedWire
	require.NoError(t, json.Unmarshal(f.Payload, &g))
	require.NotEmpty(t, g.SessionID)
	require.NotEmpty(t, g.OwnerToken)
	return g
}

func send(t *testing.T, conn *websocket.Conn, typ string, payload any, creds *grantedWire) {
	t.Helper()
	frame := map[string]any{"type": typ}
	if payload != nil {
		frame["payload"] = payload
	}
	if creds != nil {
		frame["session_id"] = creds.SessionID
		frame["owner_token"] = creds.OwnerToken
	}
	require.NoError(t, conn.WriteJSON(frame))
}

func gameState(t *testing.T, conn *websocket.Conn) tree.Wire {
	t.Helper()
	f := waitFrame(t, conn, "game:state")
	var w tree.Wire
	require.NoError(t, json.Unmarshal(f.Payload, &w))
	return w
}

func TestTakeover(t *testing.T) {
	_, ts := newTestServer(t)

	a := dialWS(t, ts)
	ga := acquire(t, a)
	require.False(t, ga.Caps.Analysis)

	b := dialWS(t, ts)
	fb := waitFrame(t, b, "session:busy")
	var busy struct {
		OwnerSince string `json:"owner_since"`
	}
	require.NoError(t, json.Unmarshal(fb.Payload, &busy))
	require.NotEmpty(t, busy.OwnerSince)

	send(t, b, "session:takeover", nil, nil)
	gb := acquire(t, b)
	require.NotEqual(t, ga.SessionID, gb.SessionID)
	require.NotEqual(t, ga.OwnerToken, gb.OwnerToken)

	kicked := waitFrame(t, a, "session:kicked")
	var kp struct {
		Reason string `json:"reason"`
	}
	require.NoError(t, json.Unmarshal(kicked.Payload, &kp))
	require.Equal(t, "takeover", kp.Reason)

	// The deposed connection is closed by the server.
	require.NoError(t, a.SetReadDeadline(time.Now().Add(3*time.Second)))
	for {
		var f testFrame
		if err := a.ReadJSON(&f); err != nil {
			break
		}
	}
}

func TestOwnerSelfTakeover(t *testing.T) {
	_, ts := newTestServer(t)

	conn := dialWS(t, ts)
	g := acquire(t, conn)

	// The owner taking over its own slot gets fresh credentials and stays
	// connected.
	send(t, conn, "session:takeover", nil, nil)
	g2 := acquire(t, conn)
	require.NotEqual(t, g.SessionID, g2.SessionID)
	require.NotEqual(t, g.OwnerToken, g2.OwnerToken)

	root := g2.Game.RootNodeID
	send(t, conn, "node:play_move", map[string]any{"from_node_id": root, "move_usi": "7g7f"}, &g2)
	w := gameState(t, conn)
	require.Len(t, w.ChildrenIndex[root], 1)

	// The pre-rotation credentials no longer write.
	send(t, conn, "node:jump", map[string]any{"node_id": root}, &g)
	waitFrame(t, conn, "session:stale")
}

func TestStopWithConnectedClients(t *testing.T) {
	srv, ts := newTestServer(t)

	conn := dialWS(t, ts)
	acquire(t, conn)

	stopDone := make(chan struct{})
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		srv.Stop(ctx)
		close(stopDone)
	}()

	select {
	case <-stopDone:
	case <-time.After(3 * time.Second):
		t.Fatal("Stop did not return with a client connected")
	}

	// Shutdown closes the connection from the server side.
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	for {
		var f testFrame
		if err := conn.ReadJSON(&f); err != nil {
			break
		}
	}
}

func TestStaleWriteRejected(t *testing.T) {
	_, ts := newTestServer(t)

	a := dialWS(t, ts)
	ga := acquire(t, a)

	b := dialWS(t, ts)
	waitFrame(t, b, "session:busy")
	send(t, b, "session:takeover", nil, nil)
	gb := acquire(t, b)
	root := gb.Game.RootNodeID

	// A frame carrying the deposed credentials must be countered with
	// session:stale and never applied.
	o := dialWS(t, ts)
	waitFrame(t, o, "session:busy")
	send(t, o, "node:play_move", map[string]any{"from_node_id": root, "move_usi": "7g7f"}, &ga)
	waitFrame(t, o, "session:stale")

	resp, err := http.Get(ts.URL + "/api/games/" + gb.Game.GameID)
	require.NoError(t, err)
	defer resp.Body.Close()
	var w tree.Wire
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&w))
	require.Empty(t, w.ChildrenIndex[root])
}

func TestPlayMoveDedup(t *testing.T) {
	_, ts := newTestServer(t)

	conn := dialWS(t, ts)
	g := acquire(t, conn)
	root := g.Game.RootNodeID

	send(t, conn, "node:play_move", map[string]any{"from_node_id": root, "move_usi": "7g7f"}, &g)
	w1 := gameState(t, conn)
	require.Len(t, w1.ChildrenIndex[root], 1)
	child := w1.CurrentNodeID

	send(t, conn, "node:jump", map[string]any{"node_id": root}, &g)
	gameState(t, conn)

	send(t, conn, "node:play_move", map[string]any{"from_node_id": root, "move_usi": "7g7f"}, &g)
	w2 := gameState(t, conn)
	require.Len(t, w2.ChildrenIndex[root], 1)
	require.Equal(t, child, w2.CurrentNodeID)
}

func TestReorderChildren(t *testing.T) {
	_, ts := newTestServer(t)

	conn := dialWS(t, ts)
	g := acquire(t, conn)
	root := g.Game.RootNodeID

	send(t, conn, "node:play_move", map[string]any{"from_node_id": root, "move_usi": "7g7f"}, &g)
	w := gameState(t, conn)
	c1 := w.CurrentNodeID
	send(t, conn, "node:jump", map[string]any{"node_id": root}, &g)
	gameState(t, conn)
	send(t, conn, "node:play_move", map[string]any{"from_node_id": root, "move_usi": "2g2f"}, &g)
	w = gameState(t, conn)
	c2 := w.CurrentNodeID
	require.Equal(t, []string{c1, c2}, w.ChildrenIndex[root])

	send(t, conn, "node:reorder_children", map[string]any{
		"parent_id":         root,
		"ordered_child_ids": []string{c2, c1},
	}, &g)
	w = gameState(t, conn)
	require.Equal(t, []string{c2, c1}, w.ChildrenIndex[root])
	for _, n := range w.Nodes {
		switch n.ID {
		case c1:
			require.Equal(t, 1, n.OrderIndex)
		case c2:
			require.Equal(t, 0, n.OrderIndex)
		}
	}

	// A bad permutation is refused with a toast and nothing changes.
	send(t, conn, "node:reorder_children", map[string]any{
		"parent_id":         root,
		"ordered_child_ids": []string{c1, c1},
	}, &g)
	waitFrame(t, conn, "toast")
}

func TestAnalysisWithoutEngine(t *testing.T) {
	_, ts := newTestServer(t)

	conn := dialWS(t, ts)
	g := acquire(t, conn)

	send(t, conn, "analysis:set_enabled", map[string]any{"enabled": true}, &g)
	sawStopped := false
	sawToast := false
	deadline := time.Now().Add(3 * time.Second)
	for (!sawStopped || !sawToast) && time.Now().Before(deadline) {
		f := readFrame(t, conn)
		switch f.Type {
		case "analysis:stopped":
			var p struct {
				Reason string `json:"reason"`
			}
			require.NoError(t, json.Unmarshal(f.Payload, &p))
			require.Equal(t, "not_configured", p.Reason)
			sawStopped = true
		case "toast":
			sawToast = true
		}
	}
	require.True(t, sawStopped)
	require.True(t, sawToast)
}

func TestImportExportHTTP(t *testing.T) {
	_, ts := newTestServer(t)

	resp, err := http.Post(ts.URL+"/api/import", "text/plain", strings.NewReader(testKIF))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var imported struct {
		Format string    `json:"format"`
		Game   tree.Wire `json:"game"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&imported))
	require.Equal(t, "kif", imported.Format)
	require.Equal(t, imported.Game.RootNodeID, imported.Game.CurrentNodeID)

	byID := map[string]*tree.Node{}
	for _, n := range imported.Game.Nodes {
		byID[n.ID] = n
	}
	var mainline []string
	for id := imported.Game.RootNodeID; len(imported.Game.ChildrenIndex[id]) > 0; {
		id = imported.Game.ChildrenIndex[id][0]
		mainline = append(mainline, byID[id].MoveUSI)
	}
	require.Equal(t, []string{"7g7f", "3c3d", "8h2b+"}, mainline)

	id := imported.Game.GameID
	exp, err := http.Get(ts.URL + "/api/export/" + id + "?format=kif2")
	require.NoError(t, err)
	defer exp.Body.Close()
	require.Equal(t, http.StatusOK, exp.StatusCode)
	require.Contains(t, exp.Header.Get("Content-Disposition"), id+".ki2")

	bad, err := http.Get(ts.URL + "/api/export/" + id + "?format=pgn")
	require.NoError(t, err)
	bad.Body.Close()
	require.Equal(t, http.StatusBadRequest, bad.StatusCode)

	missing, err := http.Get(ts.URL + "/api/export/nope?format=kif")
	require.NoError(t, err)
	missing.Body.Close()
	require.Equal(t, http.StatusNotFound, missing.StatusCode)
}

func TestImportJSONBodyAndTooLarge(t *testing.T) {
	_, ts := newTestServer(t, func(cfg *config.Config) {
		cfg.ImportMaxBytes = 256
	})

	payload, err := json.Marshal(map[string]string{
		"text":  "position startpos moves 7g7f",
		"title": "From USI",
	})
	require.NoError(t, err)
	resp, err := http.Post(ts.URL+"/api/import", "application/json", bytes.NewReader(payload))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var imported struct {
		Format string    `json:"format"`
		Game   tree.Wire `json:"game"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&imported))
	require.Equal(t, "usi", imported.Format)
	require.Equal(t, "From USI", imported.Game.Title)

	big, err := http.Post(ts.URL+"/api/import", "text/plain", strings.NewReader(strings.Repeat("x", 1024)))
	require.NoError(t, err)
	big.Body.Close()
	require.Equal(t, http.StatusRequestEntityTooLarge, big.StatusCode)

	garbage, err := http.Post(ts.URL+"/api/import", "text/plain", strings.NewReader("not a kifu"))
	require.NoError(t, err)
	defer garbage.Body.Close()
	require.Equal(t, http.StatusBadRequest, garbage.StatusCode)
	var detail struct {
		Detail string `json:"detail"`
	}
	require.NoError(t, json.NewDecoder(garbage.Body).Decode(&detail))
	require.NotEmpty(t, detail.Detail)
}

func TestGamesCRUD(t *testing.T) {
	_, ts := newTestServer(t)

	body, _ := json.Marshal(map[string]string{"title": "Study"})
	resp, err := http.Post(ts.URL+"/api/games", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var created tree.Wire
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&created))
	require.Equal(t, "Study", created.Title)

	list, err := http.Get(ts.URL + "/api/games?limit=10")
	require.NoError(t, err)
	defer list.Body.Close()
	var page struct {
		Items []storage.GameSummary `json:"items"`
		Total int                   `json:"total"`
	}
	require.NoError(t, json.NewDecoder(list.Body).Decode(&page))
	require.GreaterOrEqual(t, page.Total, 1)

	badLimit, err := http.Get(ts.URL + "/api/games?limit=0")
	require.NoError(t, err)
	badLimit.Body.Close()
	require.Equal(t, http.StatusBadRequest, badLimit.StatusCode)

	update, _ := json.Marshal(map[string]string{"title": "Renamed"})
	req, _ := http.NewRequest(http.MethodPut, ts.URL+"/api/games/"+created.GameID, bytes.NewReader(update))
	req.Header.Set("Content-Type", "application/json")
	put, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer put.Body.Close()
	require.Equal(t, http.StatusOK, put.StatusCode)
	var updated tree.Wire
	require.NoError(t, json.NewDecoder(put.Body).Decode(&updated))
	require.Equal(t, "Renamed", updated.Title)

	del, _ := http.NewRequest(http.MethodDelete, ts.URL+"/api/games/"+created.GameID, nil)
	delResp, err := http.DefaultClient.Do(del)
	require.NoError(t, err)
	delResp.Body.Close()
	require.Equal(t, http.StatusNoContent, delResp.StatusCode)

	gone, err := http.Get(ts.URL + "/api/games/" + created.GameID)
	require.NoError(t, err)
	gone.Body.Close()
	require.Equal(t, http.StatusNotFound, gone.StatusCode)
}

func TestHealthz(t *testing.T) {
	_, ts := newTestServer(t)

	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var health struct {
		OK            bool       `json:"ok"`
		Engine        usi.Status `json:"engine"`
		CurrentGameID string     `json:"current_game_id"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	require.True(t, health.OK)
	require.False(t, health.Engine.Configured)
	require.NotEmpty(t, health.CurrentGameID)
}

func TestRestoreCurrentGameAcrossRestart(t *testing.T) {
	dir := t.TempDir()
	store, err := storage.Open(dir)
	require.NoError(t, err)

	cfg := config.Config{Addr: "127.0.0.1:0", ImportMaxBytes: 2 << 20}
	sup := usi.New(usi.Config{})
	srv, err := New(cfg, store, sup, nil)
	require.NoError(t, err)
	ts := httptest.NewServer(srv.Handler())

	conn := dialWS(t, ts)
	g := acquire(t, conn)
	send(t, conn, "node:play_move", map[string]any{"from_node_id": g.Game.RootNodeID, "move_usi": "7g7f"}, &g)
	w := gameState(t, conn)
	require.NoError(t, conn.Close())

	ts.Close()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	srv.Stop(ctx)
	cancel()
	sup.Shutdown()
	require.NoError(t, store.Close())

	store2, err := storage.Open(dir)
	require.NoError(t, err)
	defer store2.Close()
	sup2 := usi.New(usi.Config{})
	defer sup2.Shutdown()
	srv2, err := New(cfg, store2, sup2, nil)
	require.NoError(t, err)
	ts2 := httptest.NewServer(srv2.Handler())
	defer func() {
		ts2.Close()
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		srv2.Stop(ctx)
	}()

	conn2 := dialWS(t, ts2)
	g2 := acquire(t, conn2)
	require.Equal(t, w.GameID, g2.Game.GameID)
	require.Equal(t, w.CurrentNodeID, g2.Game.CurrentNodeID)
}
