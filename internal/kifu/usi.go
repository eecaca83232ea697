package kifu

import (
	"fmt"
	"strings"

	"github.com/kifulab/kifulab/internal/shogi"
	"github.com/kifulab/kifulab/internal/tree"
)

// parseUSI reads USI text: one or more "position ..." command lines, or a
// bare whitespace-separated move list from the standard start. Multiple
// position lines sharing the same base merge into one tree, so an
// AllVariations export reads back as the tree it came from.
func parseUSI(text string) (*tree.Game, []string, error) {
	s := strings.TrimSpace(strings.ReplaceAll(text, "\r", "\n"))
	if s == "" {
		return nil, nil, fmt.Errorf("%w: empty text", ErrMalformed)
	}

	var commands [][]string
	if strings.HasPrefix(strings.ToLower(s), "position") {
		for _, line := range strings.Split(s, "\n") {
			tokens := strings.Fields(line)
			if len(tokens) == 0 {
				continue
			}
			if tokens[0] != "position" {
				return nil, nil, fmt.Errorf("%w: unexpected line %q", ErrMalformed, line)
			}
			commands = append(commands, tokens)
		}
	} else {
		commands = [][]string{append([]string{"position", "startpos", "moves"}, strings.Fields(s)...)}
	}

	var game *tree.Game
	for _, tokens := range commands {
		initialSFEN, moves, err := parsePositionCommand(tokens)
		if err != nil {
			return nil, nil, err
		}
		if game == nil {
			game, err = tree.New("Imported USI", initialSFEN)
			if err != nil {
				return nil, nil, err
			}
		} else if game.InitialSFEN != initialSFEN {
			return nil, nil, fmt.Errorf("%w: position commands disagree on the start position", ErrMalformed)
		}
		cur := game.RootNodeID
		for _, mv := range moves {
			node, err := game.PlayMove(cur, mv)
			if err != nil {
				return nil, nil, fmt.Errorf("%w: %v", ErrMalformed, err)
			}
			cur = node.ID
		}
	}
	if _, err := game.Jump(game.RootNodeID); err != nil {
		return nil, nil, err
	}
	return game, nil, nil
}

// parsePositionCommand splits one "position ..." token list into the initial
// SFEN and the validated move chain. A bare move list was normalized to a
// startpos command by the caller.
func parsePositionCommand(tokens []string) (string, []string, error) {
	if len(tokens) < 2 || tokens[0] != "position" {
		return "", nil, fmt.Errorf("%w: invalid position command", ErrMalformed)
	}
	idx := 1
	var initialSFEN string
	switch tokens[idx] {
	case "startpos":
		initialSFEN = shogi.DefaultStartSFEN
		idx++
	case "sfen":
		if len(tokens) < idx+5 {
			return "", nil, fmt.Errorf("%w: position sfen requires 4 SFEN fields", ErrMalformed)
		}
		normalized, err := shogi.NormalizeSFEN(strings.Join(tokens[idx+1:idx+5], " "))
		if err != nil {
			return "", nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		initialSFEN = normalized
		idx += 5
	default:
		return "", nil, fmt.Errorf("%w: position must use startpos or sfen", ErrMalformed)
	}

	var moves []string
	if idx < len(tokens) {
		if tokens[idx] != "moves" {
			return "", nil, fmt.Errorf("%w: unexpected token %q after position base", ErrMalformed, tokens[idx])
		}
		for _, t := range tokens[idx+1:] {
			if _, err := shogi.ParseMove(t); err != nil {
				return "", nil, fmt.Errorf("%w: %v", ErrMalformed, err)
			}
			moves = append(moves, t)
		}
	}
	return initialSFEN, moves, nil
}

// emitUSI renders the main line as a single position command, or one command
// per leaf path when AllVariations is set (mainline first, children order).
func emitUSI(g *tree.Game, opts EmitOptions) (string, error) {
	if !opts.AllVariations {
		moves, err := mainlineMoves(g)
		if err != nil {
			return "", err
		}
		cmd, err := shogi.PositionCommand(g.InitialSFEN, moves)
		if err != nil {
			return "", err
		}
		return cmd + "\n", nil
	}

	var lines []string
	var walk func(nodeID string, moves []string) error
	walk = func(nodeID string, moves []string) error {
		children := g.Children(nodeID)
		if len(children) == 0 {
			cmd, err := shogi.PositionCommand(g.InitialSFEN, moves)
			if err != nil {
				return err
			}
			lines = append(lines, cmd)
			return nil
		}
		for _, child := range children {
			if err := walk(child.ID, append(moves, child.MoveUSI)); err != nil {
				return err
			}
		}
		return nil
	}
	if err := walk(g.RootNodeID, nil); err != nil {
		return "", err
	}
	return strings.Join(lines, "\n") + "\n", nil
}

func mainlineMoves(g *tree.Game) ([]string, error) {
	root, err := g.NodeByID(g.RootNodeID)
	if err != nil {
		return nil, err
	}
	var moves []string
	if first := g.FirstChild(root.ID); first != nil {
		for _, n := range lineFrom(g, first) {
			moves = append(moves, n.MoveUSI)
		}
	}
	return moves, nil
}
