// Package storage persists games, tree nodes, analysis snapshots and app
// state in BadgerDB. All values are JSON and every mutating call runs in a
// single transaction.
package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/kifulab/kifulab/internal/tree"
	"github.com/kifulab/kifulab/internal/usi"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("record not found")

// Storage keys
const (
	gameKeyPrefix = "game:"
	nodeKeyPrefix = "node:"
	snapKeyPrefix = "snap:"
	appStateKey   = "app:state"
	snapSeqKey    = "seq:snap"
)

func gameKey(gameID string) []byte {
	return []byte(gameKeyPrefix + gameID)
}

func nodeKey(gameID, nodeID string) []byte {
	return []byte(nodeKeyPrefix + gameID + ":" + nodeID)
}

func nodePrefix(gameID string) []byte {
	return []byte(nodeKeyPrefix + gameID + ":")
}

// snapKey pads the sequence number to keep lexicographic key order equal to
// append order.
func snapKey(nodeID string, seq uint64) []byte {
	return []byte(fmt.Sprintf("%s%s:%012d", snapKeyPrefix, nodeID, seq))
}

func snapPrefix(nodeID string) []byte {
	return []byte(snapKeyPrefix + nodeID + ":")
}

// gameRecord is the persisted shape of a game without its nodes.
type gameRecord struct {
	ID            string            `json:"game_id"`
	Title         string            `json:"title"`
	CreatedAt     string            `json:"created_at"`
	UpdatedAt     string            `json:"updated_at"`
	InitialSFEN   string            `json:"initial_sfen"`
	RootNodeID    string            `json:"root_node_id"`
	CurrentNodeID string            `json:"current_node_id"`
	Meta          map[string]string `json:"meta"`
	UIState       tree.UIState      `json:"ui_state"`
}

func recordOf(g *tree.Game) gameRecord {
	return gameRecord{
		ID:            g.ID,
		Title:         g.Title,
		CreatedAt:     g.CreatedAt,
		UpdatedAt:     g.UpdatedAt,
		InitialSFEN:   g.InitialSFEN,
		RootNodeID:    g.RootNodeID,
		CurrentNodeID: g.CurrentNodeID,
		Meta:          g.Meta,
		UIState:       g.UIState,
	}
}

func (r gameRecord) game() *tree.Game {
	return &tree.Game{
		ID:            r.ID,
		Title:         r.Title,
		CreatedAt:     r.CreatedAt,
		UpdatedAt:     r.UpdatedAt,
		InitialSFEN:   r.InitialSFEN,
		RootNodeID:    r.RootNodeID,
		CurrentNodeID: r.CurrentNodeID,
		Meta:          r.Meta,
		UIState:       r.UIState,
	}
}

// GameSummary is the list-view shape of a game.
type GameSummary struct {
	ID        string `json:"game_id"`
	Title     string `json:"title"`
	CreatedAt string `json:"created_at"`
	UpdatedAt string `json:"updated_at"`
}

// Snapshot is one persisted analysis flush for a node.
type Snapshot struct {
	NodeID    string       `json:"node_id"`
	ElapsedMS int64        `json:"elapsed_ms"`
	MultiPV   int          `json:"multipv"`
	Lines     []usi.PVLine `json:"lines"`
	CreatedAt string       `json:"created_at"`
}

// EngineAppState remembers the engine tuning across restarts.
type EngineAppState struct {
	ID      string `json:"id"`
	Threads int    `json:"threads"`
	HashMB  int    `json:"hash_mb"`
	MultiPV int    `json:"multipv"`
}

// AppState is the single app-level record: which game is current and where
// the cursor was.
type AppState struct {
	CurrentGameID  string         `json:"current_game_id"`
	LastSeenCursor string         `json:"last_seen_cursor"`
	Engine         EngineAppState `json:"engine"`
}

// Store wraps BadgerDB for persistent storage.
type Store struct {
	db      *badger.DB
	snapSeq *badger.Sequence
}

// Open opens (or creates) the database in the given directory.
func Open(dir string) (*Store, error) {
	opts := badger.DefaultOptions(dir)
	opts.Logger = nil // Disable logging

	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}
	seq, err := db.GetSequence([]byte(snapSeqKey), 64)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db, snapSeq: seq}, nil
}

// Close releases the snapshot sequence and closes the database.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	if s.snapSeq != nil {
		_ = s.snapSeq.Release()
	}
	return s.db.Close()
}

func setJSON(txn *badger.Txn, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return txn.Set(key, data)
}

func getJSON(txn *badger.Txn, key []byte, v any) error {
	item, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return item.Value(func(val []byte) error {
		return json.Unmarshal(val, v)
	})
}

func utcNow() string {
	return time.Now().UTC().Truncate(time.Second).Format(time.RFC3339)
}

// SaveGame upserts the game record and rewrites its node set: stale node
// keys are deleted and the current nodes written back, all in one
// transaction.
func (s *Store) SaveGame(g *tree.Game) error {
	nodes := g.SortedNodes()
	return s.db.Update(func(txn *badger.Txn) error {
		if err := setJSON(txn, gameKey(g.ID), recordOf(g)); err != nil {
			return err
		}

		var stale [][]byte
		prefix := nodePrefix(g.ID)
		it := txn.NewIterator(badger.IteratorOptions{Prefix: prefix})
		for it.Rewind(); it.ValidForPrefix(prefix); it.Next() {
			stale = append(stale, it.Item().KeyCopy(nil))
		}
		it.Close()
		for _, key := range stale {
			if err := txn.Delete(key); err != nil {
				return err
			}
		}

		for _, n := range nodes {
			if err := setJSON(txn, nodeKey(g.ID, n.ID), n); err != nil {
				return err
			}
		}
		return nil
	})
}

// LoadGame rebuilds a game and its node tree. Returns ErrNotFound for an
// unknown id.
func (s *Store) LoadGame(gameID string) (*tree.Game, error) {
	var rec gameRecord
	var nodes []*tree.Node
	err := s.db.View(func(txn *badger.Txn) error {
		if err := getJSON(txn, gameKey(gameID), &rec); err != nil {
			return err
		}
		prefix := nodePrefix(gameID)
		it := txn.NewIterator(badger.IteratorOptions{Prefix: prefix, PrefetchValues: true})
		defer it.Close()
		for it.Rewind(); it.ValidForPrefix(prefix); it.Next() {
			var n tree.Node
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &n)
			})
			if err != nil {
				return err
			}
			nodes = append(nodes, &n)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return tree.FromRecords(rec.game(), nodes)
}

// ListGames returns summaries sorted by updated_at descending, plus the
// total count before limit/offset.
func (s *Store) ListGames(limit, offset int) ([]GameSummary, int, error) {
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}

	var all []GameSummary
	err := s.db.View(func(txn *badger.Txn) error {
		prefix := []byte(gameKeyPrefix)
		it := txn.NewIterator(badger.IteratorOptions{Prefix: prefix, PrefetchValues: true})
		defer it.Close()
		for it.Rewind(); it.ValidForPrefix(prefix); it.Next() {
			var rec gameRecord
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			})
			if err != nil {
				return err
			}
			all = append(all, GameSummary{
				ID:        rec.ID,
				Title:     rec.Title,
				CreatedAt: rec.CreatedAt,
				UpdatedAt: rec.UpdatedAt,
			})
		}
		return nil
	})
	if err != nil {
		return nil, 0, err
	}

	sort.Slice(all, func(i, j int) bool {
		if all[i].UpdatedAt != all[j].UpdatedAt {
			return all[i].UpdatedAt > all[j].UpdatedAt
		}
		if all[i].CreatedAt != all[j].CreatedAt {
			return all[i].CreatedAt > all[j].CreatedAt
		}
		return all[i].ID < all[j].ID
	})

	total := len(all)
	if offset >= total {
		return []GameSummary{}, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return all[offset:end], total, nil
}

// DeleteGame removes the game, its nodes and their snapshots.
func (s *Store) DeleteGame(gameID string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(gameKey(gameID)); err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return ErrNotFound
			}
			return err
		}

		var nodeKeys [][]byte
		var nodeIDs []string
		prefix := nodePrefix(gameID)
		it := txn.NewIterator(badger.IteratorOptions{Prefix: prefix})
		for it.Rewind(); it.ValidForPrefix(prefix); it.Next() {
			key := it.Item().KeyCopy(nil)
			nodeKeys = append(nodeKeys, key)
			nodeIDs = append(nodeIDs, string(key[len(prefix):]))
		}
		it.Close()

		for _, key := range nodeKeys {
			if err := txn.Delete(key); err != nil {
				return err
			}
		}
		for _, nodeID := range nodeIDs {
			var snapKeys [][]byte
			sp := snapPrefix(nodeID)
			sit := txn.NewIterator(badger.IteratorOptions{Prefix: sp})
			for sit.Rewind(); sit.ValidForPrefix(sp); sit.Next() {
				snapKeys = append(snapKeys, sit.Item().KeyCopy(nil))
			}
			sit.Close()
			for _, key := range snapKeys {
				if err := txn.Delete(key); err != nil {
					return err
				}
			}
		}
		return txn.Delete(gameKey(gameID))
	})
}

// UpsertNode writes a single node record.
func (s *Store) UpsertNode(n *tree.Node) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return setJSON(txn, nodeKey(n.GameID, n.ID), n)
	})
}

// RewriteChildrenOrder persists a new order_index assignment for the given
// sibling set in one transaction.
func (s *Store) RewriteChildrenOrder(gameID string, orderedIDs []string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		for idx, nodeID := range orderedIDs {
			var n tree.Node
			if err := getJSON(txn, nodeKey(gameID, nodeID), &n); err != nil {
				return err
			}
			n.OrderIndex = idx
			if err := setJSON(txn, nodeKey(gameID, nodeID), &n); err != nil {
				return err
			}
		}
		return nil
	})
}

// AppendSnapshot persists one analysis flush under the next sequence number.
func (s *Store) AppendSnapshot(snap Snapshot) error {
	if snap.CreatedAt == "" {
		snap.CreatedAt = utcNow()
	}
	seq, err := s.snapSeq.Next()
	if err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return setJSON(txn, snapKey(snap.NodeID, seq), snap)
	})
}

// ListSnapshots returns up to limit snapshots for a node, newest first.
func (s *Store) ListSnapshots(nodeID string, limit int) ([]Snapshot, error) {
	if limit <= 0 {
		limit = 20
	}
	var out []Snapshot
	err := s.db.View(func(txn *badger.Txn) error {
		prefix := snapPrefix(nodeID)
		it := txn.NewIterator(badger.IteratorOptions{
			Prefix:         prefix,
			PrefetchValues: true,
			Reverse:        true,
		})
		defer it.Close()
		// Seek past the last possible key of the prefix.
		seek := append(append([]byte{}, prefix...), 0xff)
		for it.Seek(seek); it.ValidForPrefix(prefix) && len(out) < limit; it.Next() {
			var snap Snapshot
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &snap)
			})
			if err != nil {
				return err
			}
			out = append(out, snap)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// LoadAppState returns the app record, or the zero value when none was
// saved yet.
func (s *Store) LoadAppState() (AppState, error) {
	var st AppState
	err := s.db.View(func(txn *badger.Txn) error {
		err := getJSON(txn, []byte(appStateKey), &st)
		if errors.Is(err, ErrNotFound) {
			return nil // Use defaults
		}
		return err
	})
	return st, err
}

// SaveAppState writes the app record.
func (s *Store) SaveAppState(st AppState) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return setJSON(txn, []byte(appStateKey), st)
	})
}
