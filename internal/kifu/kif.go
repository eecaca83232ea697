package kifu

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/kifulab/kifulab/internal/shogi"
	"github.com/kifulab/kifulab/internal/tree"
)

const kifMovesRule = "手数----指手"

var (
	kifMoveLineRE = regexp.MustCompile(`^\s*(\d+)\s+(.*)$`)
	henkaRE       = regexp.MustCompile(`^\s*変化\s*：\s*(\d+)手`)
)

// kifBlock is one run of move bodies: the mainline (startPly 0) or a
// 変化：N手 variation.
type kifBlock struct {
	startPly int
	bodies   []string
}

// parseKIF reads a KIF record: `key：value` headers up to the 手数----指手
// rule, numbered move lines, `*` comment lines, and 変化：N手 variation
// blocks. Only even games are accepted; a 手合割 other than 平手 fails.
func parseKIF(text string) (*tree.Game, []string, error) {
	lines := strings.Split(strings.ReplaceAll(text, "\r", "\n"), "\n")

	meta := map[string]string{}
	inMoves := false
	main := &kifBlock{startPly: 0}
	blocks := []*kifBlock{main}
	current := main
	ended := false

	for _, line := range lines {
		if !inMoves {
			if strings.Contains(line, kifMovesRule) {
				inMoves = true
				continue
			}
			if k, v, ok := strings.Cut(line, "："); ok {
				k, v = strings.TrimSpace(k), strings.TrimSpace(v)
				if k != "" && v != "" {
					meta[k] = v
				}
			}
			continue
		}

		if strings.HasPrefix(strings.TrimSpace(line), "*") {
			continue
		}
		if hm := henkaRE.FindStringSubmatch(line); hm != nil {
			startPly, _ := strconv.Atoi(hm[1])
			current = &kifBlock{startPly: startPly}
			blocks = append(blocks, current)
			ended = false
			continue
		}
		if ended {
			continue
		}
		m := kifMoveLineRE.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		body := strings.TrimSpace(m[2])
		if body == "" {
			continue
		}
		if shogi.ContainsGameEnd(body) {
			ended = true
			continue
		}
		current.bodies = append(current.bodies, body)
	}

	handicap := strings.TrimSpace(meta["手合割"])
	if handicap != "" && handicap != "平手" {
		return nil, nil, fmt.Errorf("%w: unsupported handicap %q", ErrMalformed, handicap)
	}

	title := firstNonEmpty(meta["棋戦"], meta["表題"], meta["タイトル"], "Imported KIF")
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
		prevTo := prevToOf(base)

		cur := baseID
		nodeIDs := []string{}
		if block.startPly == 0 {
			nodeIDs = append(nodeIDs, game.RootNodeID)
		}
		for _, body := range block.bodies {
			km, err := shogi.ParseKIFMoveBody(body, prevTo)
			if err != nil {
				return nil, nil, fmt.Errorf("%w: %v", ErrMalformed, err)
			}
			usi, err := km.USI()
			if err != nil {
				return nil, nil, fmt.Errorf("%w: %v", ErrMalformed, err)
			}
			node, err := game.PlayMove(cur, usi)
			if err != nil {
				return nil, nil, fmt.Errorf("%w: %v", ErrMalformed, err)
			}
			cur = node.ID
			nodeIDs = append(nodeIDs, node.ID)
			to := km.To
			prevTo = &to
		}
		// The mainline record includes the root at ply 0.
		tracker.record(block.startPly, nodeIDs)
	}

	if _, err := game.Jump(game.RootNodeID); err != nil {
		return nil, nil, err
	}
	return game, warnings, nil
}

// emitKIF renders the header, the numbered mainline and one 変化：N手 block
// per alternate, deepest branch point first within each line.
func emitKIF(g *tree.Game) (string, error) {
	meta := g.Meta
	if meta == nil {
		meta = map[string]string{}
	}
	handicap := meta["手合割"]
	if handicap == "" {
		handicap = "平手"
	}
	out := []string{"手合割：" + handicap}
	for _, key := range []string{"先手", "後手", "棋戦"} {
		if v := meta[key]; v != "" {
			out = append(out, key+"："+v)
		}
	}
	out = append(out, "", "手数----指手---------")

	err := walkLines(g, func(startPly int, parent *tree.Node, line []*tree.Node, mainline bool) error {
		if !mainline {
			out = append(out, "", fmt.Sprintf("変化：%d手", startPly))
		}
		prevTo := prevToOf(parent)
		ply := startPly
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
			body, err := shogi.KIFMoveText(pos, m, prevTo)
			if err != nil {
				return err
			}
			out = append(out, fmt.Sprintf("%4d %s", ply, body))
			to := m.To
			prevTo = &to
			ply++
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return strings.TrimRight(strings.Join(out, "\n"), "\n") + "\n", nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}
