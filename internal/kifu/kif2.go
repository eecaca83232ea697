package kifu

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/kifulab/kifulab/internal/shogi"
	"github.com/kifulab/kifulab/internal/tree"
)

var ki2TokenRE = regexp.MustCompile(`[▲△][^▲△]+`)

// parseKIF2 reads a KI2 record: header `key：value` lines, move tokens like
// ▲７六歩 or △同　銀右, `*` comment lines, and 変化：N手 blocks. Source
// squares come from candidate generation plus disambiguator filtering.
func parseKIF2(text string) (*tree.Game, []string, error) {
	lines := strings.Split(strings.ReplaceAll(text, "\r", "\n"), "\n")

	meta := map[string]string{}
	sawTokens := false
	main := &ki2Block{startPly: 0}
	blocks := []*ki2Block{main}
	current := main

	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "*") {
			continue
		}
		if hm := henkaRE.FindStringSubmatch(line); hm != nil {
			startPly, _ := strconv.Atoi(hm[1])
			current = &ki2Block{startPly: startPly}
			blocks = append(blocks, current)
			continue
		}
		tokens := ki2TokenRE.FindAllString(line, -1)
		if len(tokens) == 0 {
			if !sawTokens {
				if k, v, ok := strings.Cut(trimmed, "："); ok {
					k, v = strings.TrimSpace(k), strings.TrimSpace(v)
					if k != "" && v != "" {
						meta[k] = v
					}
				}
			}
			continue
		}
		sawTokens = true
		for _, tok := range tokens {
			tok = strings.TrimSpace(tok)
			if tok != "" {
				current.tokens = append(current.tokens, tok)
			}
		}
	}

	title := firstNonEmpty(meta["棋戦"], meta["表題"], meta["タイトル"], "Imported KI2")
	game, err := tree.New(title, "")
	if err != nil {
		return nil, nil, err
	}
	game.Meta = meta

	var warnings []string
	tracker := &lineTracker{}
	for _, block := range blocks {
		baseID := game.RootNodeID
		if block.startPly > 0 {
			id, ok := tracker.nodeAtPly(block.startPly - 1)
			if !ok {
				id, ok = tracker.lastMainlineNode()
				if !ok {
					id = game.RootNodeID
				}
				warnings = append(warnings, fmt.Sprintf("変化：%d手 has no matching line, attached to the mainline end", block.startPly))
			}
			baseID = id
		}
		base, err := game.NodeByID(baseID)
		if err != nil {
			return nil, nil, err
		}
		nodeIDs, err := playKI2Tokens(game, baseID, block.tokens, prevToOf(base))
		if err != nil {
			return nil, nil, err
		}
		if block.startPly == 0 {
			nodeIDs = append([]string{game.RootNodeID}, nodeIDs...)
		}
		tracker.record(block.startPly, nodeIDs)
	}

	if _, err := game.Jump(game.RootNodeID); err != nil {
		return nil, nil, err
	}
	return game, warnings, nil
}

type ki2Block struct {
	startPly int
	tokens   []string
}

// playKI2Tokens resolves and plays a run of KI2 tokens from the base node,
// returning the ids of the played nodes in order.
func playKI2Tokens(game *tree.Game, baseID string, tokens []string, prevTo *shogi.Square) ([]string, error) {
	cur := baseID
	var nodeIDs []string
	for _, tok := range tokens {
		if shogi.ContainsGameEnd(tok) {
			break
		}
		parsed, err := shogi.ParseKI2Token(tok, prevTo)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		node, err := game.NodeByID(cur)
		if err != nil {
			return nil, err
		}
		pos, err := shogi.ParseSFEN(node.PositionSFEN)
		if err != nil {
			return nil, err
		}
		usi, err := resolveKI2Move(pos, parsed, tok)
		if err != nil {
			return nil, err
		}
		played, err := game.PlayMove(cur, usi)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		cur = played.ID
		nodeIDs = append(nodeIDs, played.ID)
		to := parsed.To
		prevTo = &to
	}
	return nodeIDs, nil
}

// resolveKI2Move turns a parsed token into a USI move against the position.
// A recorded side mark that contradicts the side to move defers to the
// position. A token without 打 whose piece has no board candidate but is
// available in hand parses as a drop.
func resolveKI2Move(pos *shogi.Position, parsed shogi.KI2Token, token string) (string, error) {
	side := pos.Side

	if parsed.IsDrop {
		return dropUSI(parsed, token)
	}

	cands := shogi.CandidatesFor(pos, side, parsed.Norm, parsed.To)
	if len(cands) == 0 {
		if len(parsed.Norm) == 1 && pos.HandCount(side, parsed.Norm[0]) > 0 {
			return dropUSI(parsed, token)
		}
		return "", fmt.Errorf("%w: no candidate for %q", ErrMalformed, token)
	}
	filtered := shogi.FilterDisambig(side, parsed.To, cands, parsed.Disambig)
	if len(filtered) != 1 {
		return "", fmt.Errorf("%w: ambiguous move %q (%d candidates)", ErrMalformed, token, len(filtered))
	}
	usi := filtered[0].String() + parsed.To.String()
	if parsed.Promote {
		usi += "+"
	}
	return usi, nil
}

func dropUSI(parsed shogi.KI2Token, token string) (string, error) {
	if len(parsed.Norm) != 1 {
		return "", fmt.Errorf("%w: cannot drop a promoted piece %q", ErrMalformed, token)
	}
	if parsed.Norm[0] == 'K' {
		return "", fmt.Errorf("%w: king drop %q", ErrMalformed, token)
	}
	return fmt.Sprintf("%c*%s", parsed.Norm[0], parsed.To), nil
}

// emitKIF2 renders header lines from meta, one KI2 token per mainline move
// and 変化：N手 blocks for the alternates. Tokens carry the minimal
// disambiguation that re-parses to the same source square.
func emitKIF2(g *tree.Game) (string, error) {
	var out []string
	meta := g.Meta
	for _, key := range []string{"棋戦", "先手", "後手"} {
		if v := meta[key]; v != "" {
			out = append(out, key+"："+v)
		}
	}
	if len(out) > 0 {
		out = append(out, "")
	}

	err := walkLines(g, func(startPly int, parent *tree.Node, line []*tree.Node, mainline bool) error {
		if !mainline {
			out = append(out, "", fmt.Sprintf("変化：%d手", startPly))
		}
		prevTo := prevToOf(parent)
		for i, node := range line {
			par := parent
			if i > 0 {
				par = line[i-1]
			}
			pos, err := shogi.ParseSFEN(par.PositionSFEN)
			if err != nil {
				return err
			}
			m, err := shogi.ParseMove(node.MoveUSI)
			if err != nil {
				return err
			}
			token, err := shogi.KI2MoveToken(pos, m, prevTo)
			if err != nil {
				return err
			}
			out = append(out, token)
			to := m.To
			prevTo = &to
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return strings.TrimRight(strings.Join(out, "\n"), "\n") + "\n", nil
}
