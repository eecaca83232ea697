// Package kifu converts between the game tree and the three kifu text
// formats: USI position commands, KIF and KIF2 (KI2).
package kifu

import (
	"errors"
	"strings"

	"github.com/kifulab/kifulab/internal/shogi"
	"github.com/kifulab/kifulab/internal/tree"
)

// Format identifies a kifu text format.
type Format string

const (
	FormatUSI     Format = "usi"
	FormatKIF     Format = "kif"
	FormatKIF2    Format = "kif2"
	FormatUnknown Format = "unknown"
)

var (
	// ErrMalformed is returned when text matches a format but cannot be
	// parsed into a game.
	ErrMalformed = errors.New("malformed kifu")
	// ErrUnknownFormat is returned for a format the registry does not know.
	ErrUnknownFormat = errors.New("unknown kifu format")
)

// EmitOptions tunes Emit output.
type EmitOptions struct {
	// AllVariations makes the USI emitter write one position command per
	// leaf path instead of the main line only. KIF and KIF2 always carry
	// variations.
	AllVariations bool
}

// Detect classifies a kifu text. The rules are ordered: a leading USI
// position command wins, then KIF markers, then KI2 side marks.
func Detect(text string) Format {
	s := strings.TrimSpace(text)
	if s == "" {
		return FormatUnknown
	}
	firstLine := s
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		firstLine = s[:i]
	}
	if strings.HasPrefix(strings.ToLower(strings.TrimSpace(firstLine)), "position ") {
		return FormatUSI
	}
	if strings.Contains(s, "手合割") || strings.Contains(s, "手数----指手") {
		return FormatKIF
	}
	if strings.Contains(s, "▲") || strings.Contains(s, "△") {
		return FormatKIF2
	}
	return FormatUnknown
}

// Parse builds a game tree from kifu text. The returned strings are
// non-fatal warnings about skipped or repaired input.
func Parse(format Format, text string) (*tree.Game, []string, error) {
	switch format {
	case FormatUSI:
		return parseUSI(text)
	case FormatKIF:
		return parseKIF(text)
	case FormatKIF2:
		return parseKIF2(text)
	}
	return nil, nil, ErrUnknownFormat
}

// Emit renders a game tree in the given format.
func Emit(format Format, g *tree.Game, opts EmitOptions) (string, error) {
	switch format {
	case FormatUSI:
		return emitUSI(g, opts)
	case FormatKIF:
		return emitKIF(g)
	case FormatKIF2:
		return emitKIF2(g)
	}
	return "", ErrUnknownFormat
}

// parsedLine remembers one imported line so later variation blocks can find
// their base node. nodeIDs[i] sits at ply startPly+i.
type parsedLine struct {
	startPly int
	nodeIDs  []string
}

// lineTracker resolves 変化：N手 blocks: the base is the node at ply N-1 on
// the most recently parsed line that covers that ply.
type lineTracker struct {
	lines []parsedLine
}

func (t *lineTracker) record(startPly int, nodeIDs []string) {
	t.lines = append(t.lines, parsedLine{startPly: startPly, nodeIDs: nodeIDs})
}

func (t *lineTracker) nodeAtPly(ply int) (string, bool) {
	for i := len(t.lines) - 1; i >= 0; i-- {
		ln := t.lines[i]
		if ply >= ln.startPly && ply < ln.startPly+len(ln.nodeIDs) {
			return ln.nodeIDs[ply-ln.startPly], true
		}
	}
	return "", false
}

// lastMainlineNode is the clamp target for blocks past every parsed line.
func (t *lineTracker) lastMainlineNode() (string, bool) {
	if len(t.lines) == 0 || len(t.lines[0].nodeIDs) == 0 {
		return "", false
	}
	main := t.lines[0]
	return main.nodeIDs[len(main.nodeIDs)-1], true
}

// lineFrom returns start plus the chain of first children below it.
func lineFrom(g *tree.Game, start *tree.Node) []*tree.Node {
	path := []*tree.Node{start}
	cur := start
	for {
		next := g.FirstChild(cur.ID)
		if next == nil {
			break
		}
		path = append(path, next)
		cur = next
	}
	return path
}

// emitLineFn renders one line of moves. parent precedes line[0], which sits
// at startPly. The mainline is the first call; every later call is a
// variation block.
type emitLineFn func(startPly int, parent *tree.Node, line []*tree.Node, mainline bool) error

// walkLines feeds the emitter the mainline and then every variation block.
// Blocks come depth-first, deepest branch point first within each line, so a
// reader that attaches block N to the most recent line covering ply N-1
// rebuilds the exact tree.
func walkLines(g *tree.Game, emit emitLineFn) error {
	root, err := g.NodeByID(g.RootNodeID)
	if err != nil {
		return err
	}
	var main []*tree.Node
	if first := g.FirstChild(root.ID); first != nil {
		main = lineFrom(g, first)
	}
	if err := emit(1, root, main, true); err != nil {
		return err
	}
	return walkBranches(g, root, main, 1, true, emit)
}

// walkBranches emits the alternates along one line. includeEntry enumerates
// the alternates of line[0]'s parent too; that only holds for the mainline,
// since a variation's entry siblings are handled by its own parent walk.
func walkBranches(g *tree.Game, parent *tree.Node, line []*tree.Node, startPly int, includeEntry bool, emit emitLineFn) error {
	minIdx := 0
	if !includeEntry {
		minIdx = 1
	}
	for i := len(line) - 1; i >= minIdx; i-- {
		branchParent := parent
		if i > 0 {
			branchParent = line[i-1]
		}
		children := g.Children(branchParent.ID)
		for _, alt := range children[1:] {
			varPly := startPly + i
			varLine := lineFrom(g, alt)
			if err := emit(varPly, branchParent, varLine, false); err != nil {
				return err
			}
			if err := walkBranches(g, branchParent, varLine, varPly, false, emit); err != nil {
				return err
			}
		}
	}
	return nil
}

// prevToOf resolves the 同 anchor for a line: the destination of the move
// that produced the base node, nil at the root.
func prevToOf(n *tree.Node) *shogi.Square {
	if n == nil || n.MoveUSI == "" {
		return nil
	}
	m, err := shogi.ParseMove(n.MoveUSI)
	if err != nil {
		return nil
	}
	to := m.To
	return &to
}
