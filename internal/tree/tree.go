// Package tree implements the branching game tree that backs a kifu:
// one root position plus a tree of moves, a persistent cursor, and the
// cached SFEN for every node.
package tree

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kifulab/kifulab/internal/shogi"
)

var (
	// ErrUnknownNode is returned when a node id does not resolve.
	ErrUnknownNode = errors.New("unknown node")
	// ErrBadPermutation is returned when a reorder request is not a
	// permutation of the current children.
	ErrBadPermutation = errors.New("ordered child ids must match the child set")
	// ErrInvalidMove wraps a failure to apply a USI move to a position.
	ErrInvalidMove = errors.New("invalid move")
)

// Node is one position in the variation tree. ParentID is empty only for
// the root, MoveUSI is empty only for the root.
type Node struct {
	ID           string `json:"node_id"`
	GameID       string `json:"game_id"`
	ParentID     string `json:"parent_id"`
	OrderIndex   int    `json:"order_index"`
	MoveUSI      string `json:"move_usi"`
	MoveLabel    string `json:"move_label"`
	Comment      string `json:"comment"`
	PositionSFEN string `json:"position_sfen"`
	CreatedAt    string `json:"created_at"`
}

// UIState is the per-game UI state the server persists for the client.
// AnalysisEnabled is stored but deliberately not honored on restart.
type UIState struct {
	Flip            bool    `json:"flip"`
	AnalysisEnabled bool    `json:"analysis_enabled"`
	AnalysisMultiPV int     `json:"analysis_multipv"`
	Scale           float64 `json:"scale,omitempty"`
}

// Game is the in-memory authoritative tree for one kifu.
type Game struct {
	ID            string
	Title         string
	CreatedAt     string
	UpdatedAt     string
	InitialSFEN   string
	RootNodeID    string
	CurrentNodeID string
	Meta          map[string]string
	UIState       UIState
	Nodes         map[string]*Node
}

func utcNow() string {
	return time.Now().UTC().Truncate(time.Second).Format(time.RFC3339)
}

func newID() string {
	return uuid.NewString()
}

// New creates a game with a single root node at the given position.
// An empty initialSFEN (or "startpos") means the standard start position.
func New(title, initialSFEN string) (*Game, error) {
	initial, err := shogi.NormalizeSFEN(initialSFEN)
	if err != nil {
		return nil, err
	}
	title = strings.TrimSpace(title)
	if title == "" {
		title = "Untitled game"
	}
	now := utcNow()
	gameID := newID()
	root := &Node{
		ID:           newID(),
		GameID:       gameID,
		OrderIndex:   0,
		MoveLabel:    "root",
		PositionSFEN: initial,
		CreatedAt:    now,
	}
	return &Game{
		ID:            gameID,
		Title:         title,
		CreatedAt:     now,
		UpdatedAt:     now,
		InitialSFEN:   initial,
		RootNodeID:    root.ID,
		CurrentNodeID: root.ID,
		Meta:          map[string]string{},
		UIState:       UIState{AnalysisMultiPV: 1},
		Nodes:         map[string]*Node{root.ID: root},
	}, nil
}

// FromRecords restores a game from persisted records. A dangling
// current_node_id is repaired to the root; a missing root is an error.
func FromRecords(game *Game, nodes []*Node) (*Game, error) {
	game.Nodes = make(map[string]*Node, len(nodes))
	for _, n := range nodes {
		game.Nodes[n.ID] = n
	}
	if _, ok := game.Nodes[game.RootNodeID]; !ok {
		return nil, fmt.Errorf("game %s: root node missing", game.ID)
	}
	if _, ok := game.Nodes[game.CurrentNodeID]; !ok {
		game.CurrentNodeID = game.RootNodeID
	}
	if game.Meta == nil {
		game.Meta = map[string]string{}
	}
	return game, nil
}

// Touch bumps the updated timestamp.
func (g *Game) Touch() {
	g.UpdatedAt = utcNow()
}

// NodeByID resolves a node id.
func (g *Game) NodeByID(id string) (*Node, error) {
	n, ok := g.Nodes[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownNode, id)
	}
	return n, nil
}

// Children returns the children of a node ordered by order_index, with
// created_at then id as tie breakers.
func (g *Game) Children(parentID string) []*Node {
	var out []*Node
	for _, n := range g.Nodes {
		if n.ParentID == parentID && n.ID != g.RootNodeID {
			out = append(out, n)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].OrderIndex != out[j].OrderIndex {
			return out[i].OrderIndex < out[j].OrderIndex
		}
		if out[i].CreatedAt != out[j].CreatedAt {
			return out[i].CreatedAt < out[j].CreatedAt
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// FirstChild returns the first child of a node, or nil.
func (g *Game) FirstChild(parentID string) *Node {
	children := g.Children(parentID)
	if len(children) == 0 {
		return nil
	}
	return children[0]
}

// NormalizeMoveUSI is the dedup key for play_move: lowercased, trimmed.
// The promotion suffix stays part of the move.
func NormalizeMoveUSI(moveUSI string) string {
	return strings.ToLower(strings.TrimSpace(moveUSI))
}

// PlayMove plays a USI move from the given node. If a child with the same
// normalized move exists the cursor moves there and the existing child is
// returned; otherwise a new child is appended with the derived SFEN and a
// Japanese display label, and the cursor moves to it.
func (g *Game) PlayMove(fromNodeID, moveUSI string) (*Node, error) {
	parent, err := g.NodeByID(fromNodeID)
	if err != nil {
		return nil, err
	}
	move := NormalizeMoveUSI(moveUSI)
	if move == "" {
		return nil, fmt.Errorf("%w: empty move", ErrInvalidMove)
	}
	children := g.Children(parent.ID)
	for _, child := range children {
		if NormalizeMoveUSI(child.MoveUSI) == move {
			g.CurrentNodeID = child.ID
			g.Touch()
			return child, nil
		}
	}
	positionSFEN, err := shogi.ApplySFEN(parent.PositionSFEN, move)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMove, err)
	}
	node := &Node{
		ID:           newID(),
		GameID:       g.ID,
		ParentID:     parent.ID,
		OrderIndex:   len(children),
		MoveUSI:      move,
		MoveLabel:    shogi.LabelForMove(parent.PositionSFEN, move),
		PositionSFEN: positionSFEN,
		CreatedAt:    utcNow(),
	}
	g.Nodes[node.ID] = node
	g.CurrentNodeID = node.ID
	g.Touch()
	return node, nil
}

// Jump moves the cursor.
func (g *Game) Jump(nodeID string) (*Node, error) {
	node, err := g.NodeByID(nodeID)
	if err != nil {
		return nil, err
	}
	g.CurrentNodeID = node.ID
	g.Touch()
	return node, nil
}

// SetComment replaces a node's comment.
func (g *Game) SetComment(nodeID, comment string) error {
	node, err := g.NodeByID(nodeID)
	if err != nil {
		return err
	}
	node.Comment = comment
	g.Touch()
	return nil
}

// ReorderChildren rewrites the order_index of a parent's children to match
// the given permutation. All-or-nothing: nothing changes unless the list is
// exactly a permutation of the current child set. The cursor is left alone
// since sibling order is presentation only.
func (g *Game) ReorderChildren(parentID string, orderedChildIDs []string) error {
	if _, err := g.NodeByID(parentID); err != nil {
		return err
	}
	children := g.Children(parentID)
	if len(orderedChildIDs) != len(children) {
		return ErrBadPermutation
	}
	current := make(map[string]bool, len(children))
	for _, c := range children {
		current[c.ID] = true
	}
	seen := make(map[string]bool, len(orderedChildIDs))
	for _, id := range orderedChildIDs {
		if !current[id] || seen[id] {
			return ErrBadPermutation
		}
		seen[id] = true
	}
	for idx, id := range orderedChildIDs {
		g.Nodes[id].OrderIndex = idx
	}
	g.Touch()
	return nil
}

// PathTo returns the root-to-node chain. A cycle in the parent links means
// a corrupted store and is reported as an error.
func (g *Game) PathTo(nodeID string) ([]*Node, error) {
	cur := nodeID
	var chain []*Node
	seen := map[string]bool{}
	for cur != "" {
		if seen[cur] {
			return nil, fmt.Errorf("cycle detected in node tree at %s", cur)
		}
		seen[cur] = true
		node, err := g.NodeByID(cur)
		if err != nil {
			return nil, err
		}
		chain = append(chain, node)
		cur = node.ParentID
	}
	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	return chain, nil
}

// PathMoves returns the USI moves from the root to the current node.
func (g *Game) PathMoves() ([]string, error) {
	return g.PathMovesTo(g.CurrentNodeID)
}

// PathMovesTo returns the USI moves from the root to the given node.
func (g *Game) PathMovesTo(nodeID string) ([]string, error) {
	path, err := g.PathTo(nodeID)
	if err != nil {
		return nil, err
	}
	var moves []string
	for _, n := range path {
		if n.MoveUSI != "" {
			moves = append(moves, n.MoveUSI)
		}
	}
	return moves, nil
}

// CurrentSFEN returns the cached SFEN at the cursor.
func (g *Game) CurrentSFEN() string {
	if n, ok := g.Nodes[g.CurrentNodeID]; ok {
		return n.PositionSFEN
	}
	return g.InitialSFEN
}

// SortedNodes returns all nodes in stable record order: root first, then
// grouped by parent, order_index, created_at, id.
func (g *Game) SortedNodes() []*Node {
	out := make([]*Node, 0, len(g.Nodes))
	for _, n := range g.Nodes {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool {
		ri, rj := out[i].ParentID == "", out[j].ParentID == ""
		if ri != rj {
			return ri
		}
		if out[i].ParentID != out[j].ParentID {
			return out[i].ParentID < out[j].ParentID
		}
		if out[i].OrderIndex != out[j].OrderIndex {
			return out[i].OrderIndex < out[j].OrderIndex
		}
		if out[i].CreatedAt != out[j].CreatedAt {
			return out[i].CreatedAt < out[j].CreatedAt
		}
		return out[i].ID < out[j].ID
	})
	return out
}
