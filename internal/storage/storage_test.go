package storage

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kifulab/kifulab/internal/tree"
	"github.com/kifulab/kifulab/internal/usi"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, s.Close())
	})
	return s
}

func newTestGame(t *testing.T, title string, moves ...string) *tree.Game {
	t.Helper()
	g, err := tree.New(title, "")
	require.NoError(t, err)
	for _, mv := range moves {
		_, err := g.PlayMove(g.CurrentNodeID, mv)
		require.NoError(t, err)
	}
	return g
}

func TestSaveLoadGame(t *testing.T) {
	s := openTestStore(t)

	g := newTestGame(t, "Round trip", "7g7f", "3c3d")
	g.Meta["先手"] = "先手太郎"
	g.UIState.Flip = true
	g.UIState.AnalysisMultiPV = 3
	require.NoError(t, s.SaveGame(g))

	got, err := s.LoadGame(g.ID)
	require.NoError(t, err)
	require.Equal(t, g.Title, got.Title)
	require.Equal(t, g.CurrentNodeID, got.CurrentNodeID)
	require.Equal(t, "先手太郎", got.Meta["先手"])
	require.True(t, got.UIState.Flip)
	require.Equal(t, 3, got.UIState.AnalysisMultiPV)
	require.Len(t, got.Nodes, 3)

	moves, err := got.PathMoves()
	require.NoError(t, err)
	require.Equal(t, []string{"7g7f", "3c3d"}, moves)
}

func TestSaveGameDropsStaleNodes(t *testing.T) {
	s := openTestStore(t)

	g := newTestGame(t, "Stale", "7g7f", "3c3d", "2g2f")
	require.NoError(t, s.SaveGame(g))

	// A rebuilt, shorter tree under the same game id must replace the old
	// node set, not merge with it.
	short := newTestGame(t, "Stale", "7g7f")
	short.ID = g.ID
	for _, n := range short.Nodes {
		n.GameID = g.ID
	}
	require.NoError(t, s.SaveGame(short))

	got, err := s.LoadGame(g.ID)
	require.NoError(t, err)
	require.Len(t, got.Nodes, 2)
}

func TestLoadGameNotFound(t *testing.T) {
	s := openTestStore(t)
	_, err := s.LoadGame("missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestListGames(t *testing.T) {
	s := openTestStore(t)

	stamps := []string{
		"2026-08-25T00:00:01Z",
		"2026-08-25T00:00:03Z",
		"2026-08-25T00:00:02Z",
	}
	var ids []string
	for _, ts := range stamps {
		g := newTestGame(t, "Game")
		g.UpdatedAt = ts
		require.NoError(t, s.SaveGame(g))
		ids = append(ids, g.ID)
	}

	list, total, err := s.ListGames(10, 0)
	require.NoError(t, err)
	require.Equal(t, 3, total)
	require.Len(t, list, 3)
	// Newest update first.
	require.Equal(t, ids[1], list[0].ID)
	require.Equal(t, ids[2], list[1].ID)
	require.Equal(t, ids[0], list[2].ID)

	page, total, err := s.ListGames(1, 1)
	require.NoError(t, err)
	require.Equal(t, 3, total)
	require.Len(t, page, 1)
	require.Equal(t, ids[2], page[0].ID)

	empty, total, err := s.ListGames(10, 5)
	require.NoError(t, err)
	require.Equal(t, 3, total)
	require.Empty(t, empty)
}

func TestDeleteGame(t *testing.T) {
	s := openTestStore(t)

	g := newTestGame(t, "Doomed", "7g7f")
	require.NoError(t, s.SaveGame(g))
	require.NoError(t, s.AppendSnapshot(Snapshot{
		NodeID:  g.CurrentNodeID,
		MultiPV: 1,
		Lines:   []usi.PVLine{{PVIndex: 1, ScoreType: "cp", ScoreValue: 12}},
	}))

	require.NoError(t, s.DeleteGame(g.ID))

	_, err := s.LoadGame(g.ID)
	require.ErrorIs(t, err, ErrNotFound)
	snaps, err := s.ListSnapshots(g.CurrentNodeID, 10)
	require.NoError(t, err)
	require.Empty(t, snaps)

	require.ErrorIs(t, s.DeleteGame(g.ID), ErrNotFound)
}

func TestUpsertNodeAndReorder(t *testing.T) {
	s := openTestStore(t)

	g := newTestGame(t, "Order")
	root := g.RootNodeID
	a, err := g.PlayMove(root, "7g7f")
	require.NoError(t, err)
	b, err := g.PlayMove(root, "2g2f")
	require.NoError(t, err)
	require.NoError(t, s.SaveGame(g))

	// A comment edit persisted through UpsertNode alone.
	require.NoError(t, g.SetComment(a.ID, "main idea"))
	require.NoError(t, s.UpsertNode(a))

	require.NoError(t, s.RewriteChildrenOrder(g.ID, []string{b.ID, a.ID}))

	got, err := s.LoadGame(g.ID)
	require.NoError(t, err)
	kids := got.Children(root)
	require.Len(t, kids, 2)
	require.Equal(t, b.ID, kids[0].ID)
	require.Equal(t, a.ID, kids[1].ID)
	node, err := got.NodeByID(a.ID)
	require.NoError(t, err)
	require.Equal(t, "main idea", node.Comment)

	require.ErrorIs(t, s.RewriteChildrenOrder(g.ID, []string{"missing"}), ErrNotFound)
}

func TestSnapshots(t *testing.T) {
	s := openTestStore(t)

	for i := 0; i < 5; i++ {
		require.NoError(t, s.AppendSnapshot(Snapshot{
			NodeID:    "node-1",
			ElapsedMS: int64(i * 100),
			MultiPV:   1,
			Lines:     []usi.PVLine{{PVIndex: 1, ScoreType: "cp", ScoreValue: i}},
		}))
	}
	require.NoError(t, s.AppendSnapshot(Snapshot{NodeID: "node-2", MultiPV: 1}))

	snaps, err := s.ListSnapshots("node-1", 3)
	require.NoError(t, err)
	require.Len(t, snaps, 3)
	// Newest first.
	require.Equal(t, 4, snaps[0].Lines[0].ScoreValue)
	require.Equal(t, 3, snaps[1].Lines[0].ScoreValue)
	require.Equal(t, 2, snaps[2].Lines[0].ScoreValue)
	require.NotEmpty(t, snaps[0].CreatedAt)

	other, err := s.ListSnapshots("node-2", 10)
	require.NoError(t, err)
	require.Len(t, other, 1)

	none, err := s.ListSnapshots("node-3", 10)
	require.NoError(t, err)
	require.Empty(t, none)
}

func TestAppState(t *testing.T) {
	s := openTestStore(t)

	st, err := s.LoadAppState()
	require.NoError(t, err)
	require.Empty(t, st.CurrentGameID)

	st.CurrentGameID = "game-1"
	st.LastSeenCursor = "node-9"
	st.Engine = EngineAppState{ID: "yaneuraou", Threads: 4, HashMB: 1024, MultiPV: 3}
	require.NoError(t, s.SaveAppState(st))

	got, err := s.LoadAppState()
	require.NoError(t, err)
	require.Equal(t, st, got)
}
