package shogi

import (
	"fmt"
	"regexp"
	"strings"
)

var fileZenkaku = []rune("０１２３４５６７８９")
var rankKanji = []rune("〇一二三四五六七八九")

// pieceJA maps normalized board tokens to Japanese piece names.
var pieceJA = map[string]string{
	"P": "歩", "L": "香", "N": "桂", "S": "銀", "G": "金", "B": "角", "R": "飛", "K": "玉",
	"+P": "と", "+L": "成香", "+N": "成桂", "+S": "成銀", "+B": "馬", "+R": "龍",
}

// jaToBase maps Japanese piece names (including aliases) to base letters.
var jaToBase = map[string]byte{
	"歩": 'P', "香": 'L', "桂": 'N', "銀": 'S', "金": 'G', "角": 'B', "飛": 'R',
	"玉": 'K', "王": 'K',
	"と": 'P', "成香": 'L', "成桂": 'N', "成銀": 'S', "馬": 'B', "龍": 'R', "竜": 'R',
}

// ki2PieceNames is the longest-match order for reading piece names out of
// KI2 tokens and KIF bodies.
var ki2PieceNames = []string{
	"成銀", "成桂", "成香", "龍", "竜", "馬", "と", "玉", "王", "飛", "角", "金", "銀", "桂", "香", "歩",
}

var gameEndMarkers = []string{"投了", "中断", "持将棋", "千日手", "詰み"}

var (
	clockSuffixRE = regexp.MustCompile(`\(\s*\d+:\d+\s*/\s*\d+:\d+:\d+\s*\)\s*$`)
	fromParenRE   = regexp.MustCompile(`\((\d)(\d)\)`)
)

// ContainsGameEnd reports whether the text contains a kifu terminator
// (resignation, interruption, impasse, repetition, mate).
func ContainsGameEnd(s string) bool {
	for _, marker := range gameEndMarkers {
		if strings.Contains(s, marker) {
			return true
		}
	}
	return false
}

// SideMark returns the KI2 side marker for a side.
func SideMark(side byte) string {
	if side == White {
		return "△"
	}
	return "▲"
}

// FormatKIFSquare renders a square in kifu notation: zenkaku file digit plus
// kanji rank ("７六").
func FormatKIFSquare(sq Square) string {
	return string(fileZenkaku[sq.File()]) + string(rankKanji[sq.Rank()])
}

func fileFromRune(r rune) int {
	if r >= '1' && r <= '9' {
		return int(r - '0')
	}
	for i := 1; i <= 9; i++ {
		if fileZenkaku[i] == r {
			return i
		}
	}
	return 0
}

func rankFromRune(r rune) int {
	if r >= '1' && r <= '9' {
		return int(r - '0')
	}
	for i := 1; i <= 9; i++ {
		if rankKanji[i] == r {
			return i
		}
	}
	return 0
}

// ParseKIFSquare parses a kifu square written with ascii or zenkaku file
// digits and ascii or kanji rank digits.
func ParseKIFSquare(s string) (Square, error) {
	runes := []rune(strings.ReplaceAll(strings.TrimSpace(s), "　", ""))
	if len(runes) < 2 {
		return Square{}, fmt.Errorf("invalid kifu square: %q", s)
	}
	file := fileFromRune(runes[0])
	if file == 0 {
		return Square{}, fmt.Errorf("invalid kifu file: %q", s)
	}
	rank := rankFromRune(runes[1])
	if rank == 0 {
		return Square{}, fmt.Errorf("invalid kifu rank: %q", s)
	}
	return SquareAt(file, rank)
}

func jaPieceName(norm string) string {
	if name, ok := pieceJA[norm]; ok {
		return name
	}
	return norm
}

// normFromJA maps a Japanese piece name to the normalized token form
// ("歩" -> "P", "馬" -> "+B").
func normFromJA(name string) (string, error) {
	switch name {
	case "と":
		return "+P", nil
	case "成香":
		return "+L", nil
	case "成桂":
		return "+N", nil
	case "成銀":
		return "+S", nil
	case "馬":
		return "+B", nil
	case "龍", "竜":
		return "+R", nil
	}
	base, ok := jaToBase[name]
	if !ok {
		return "", fmt.Errorf("unknown piece name: %q", name)
	}
	return string(base), nil
}

// KIFMove is a move read from a KIF body or KI2 token, destination resolved.
type KIFMove struct {
	To      Square
	IsDrop  bool
	Drop    byte
	From    Square
	HasFrom bool
	Promote bool
}

// USI converts the parsed kifu move to USI notation.
func (k KIFMove) USI() (string, error) {
	if k.IsDrop {
		if k.Drop == 0 {
			return "", fmt.Errorf("drop piece missing")
		}
		return fmt.Sprintf("%c*%s", k.Drop, k.To), nil
	}
	if !k.HasFrom {
		return "", fmt.Errorf("from square missing")
	}
	s := k.From.String() + k.To.String()
	if k.Promote {
		s += "+"
	}
	return s, nil
}

// ParseKIFMoveBody parses one KIF move body like "７六歩(77)", "同　歩(33)"
// or "７六歩打". A trailing clock annotation "( 0:00/00:00:00)" is stripped.
// prevTo resolves the 同 shorthand and the returned square feeds the next
// move's prevTo.
func ParseKIFMoveBody(body string, prevTo *Square) (KIFMove, error) {
	s := strings.TrimSpace(body)
	s = clockSuffixRE.ReplaceAllString(s, "")
	s = strings.ReplaceAll(s, "　", " ")
	s = strings.TrimSpace(s)
	if s == "" {
		return KIFMove{}, fmt.Errorf("empty move body")
	}
	if ContainsGameEnd(s) {
		return KIFMove{}, fmt.Errorf("game end marker: %q", body)
	}

	var to Square
	rest := s
	if strings.HasPrefix(rest, "同") {
		if prevTo == nil {
			return KIFMove{}, fmt.Errorf("'同' with no previous destination: %q", body)
		}
		to = *prevTo
		rest = strings.TrimSpace(strings.TrimPrefix(rest, "同"))
	} else {
		runes := []rune(rest)
		if len(runes) < 2 {
			return KIFMove{}, fmt.Errorf("truncated move body: %q", body)
		}
		sq, err := ParseKIFSquare(string(runes[:2]))
		if err != nil {
			return KIFMove{}, err
		}
		to = sq
		rest = strings.TrimSpace(string(runes[2:]))
	}

	var from Square
	hasFrom := false
	if m := fromParenRE.FindStringSubmatchIndex(rest); m != nil {
		file := int(rest[m[2]] - '0')
		rank := int(rest[m[4]] - '0')
		sq, err := SquareAt(file, rank)
		if err != nil {
			return KIFMove{}, fmt.Errorf("invalid from square in %q: %v", body, err)
		}
		from = sq
		hasFrom = true
		rest = strings.TrimSpace(rest[:m[0]] + rest[m[1]:])
	}

	isDrop := strings.Contains(rest, "打")
	promote := strings.Contains(rest, "成") && !strings.Contains(rest, "不成")
	if strings.HasPrefix(rest, "成") {
		// A leading 成 belongs to a promoted piece name (成銀 etc.), not to
		// a promotion of this move.
		trimmed := rest
		for _, name := range []string{"成銀", "成桂", "成香"} {
			if strings.HasPrefix(rest, name) {
				trimmed = strings.TrimPrefix(rest, name)
				break
			}
		}
		promote = strings.Contains(trimmed, "成") && !strings.Contains(trimmed, "不成")
	}

	if isDrop {
		name := ""
		for _, candidate := range ki2PieceNames {
			if strings.HasPrefix(rest, candidate) {
				name = candidate
				break
			}
		}
		if name == "" {
			return KIFMove{}, fmt.Errorf("cannot detect drop piece: %q", body)
		}
		base := jaToBase[name]
		if base == 'K' {
			return KIFMove{}, fmt.Errorf("king drop is invalid: %q", body)
		}
		return KIFMove{To: to, IsDrop: true, Drop: base}, nil
	}

	return KIFMove{To: to, From: from, HasFrom: hasFrom, Promote: promote}, nil
}

// KI2Token is one parsed KI2 move token like "▲７六歩" or "△同　銀右".
type KI2Token struct {
	Side     byte
	To       Square
	PieceJA  string
	Norm     string
	IsDrop   bool // explicit 打
	Promote  bool
	Disambig []rune
}

// ParseKI2Token parses a single KI2 token. prevTo resolves 同.
func ParseKI2Token(token string, prevTo *Square) (KI2Token, error) {
	t := strings.TrimSpace(token)
	if t == "" {
		return KI2Token{}, fmt.Errorf("empty KI2 token")
	}
	runes := []rune(t)
	var side byte
	switch runes[0] {
	case '▲':
		side = Black
	case '△':
		side = White
	default:
		return KI2Token{}, fmt.Errorf("missing side mark: %q", token)
	}
	rest := strings.TrimSpace(strings.ReplaceAll(string(runes[1:]), "　", " "))
	if ContainsGameEnd(rest) {
		return KI2Token{}, fmt.Errorf("game end marker: %q", token)
	}

	var to Square
	if strings.HasPrefix(rest, "同") {
		if prevTo == nil {
			return KI2Token{}, fmt.Errorf("'同' with no previous destination: %q", token)
		}
		to = *prevTo
		rest = strings.TrimSpace(strings.TrimPrefix(rest, "同"))
	} else {
		rr := []rune(rest)
		if len(rr) < 2 {
			return KI2Token{}, fmt.Errorf("truncated KI2 token: %q", token)
		}
		sq, err := ParseKIFSquare(string(rr[:2]))
		if err != nil {
			return KI2Token{}, err
		}
		to = sq
		rest = strings.TrimSpace(string(rr[2:]))
	}

	name := ""
	for _, candidate := range ki2PieceNames {
		if strings.HasPrefix(rest, candidate) {
			name = candidate
			rest = strings.TrimPrefix(rest, candidate)
			break
		}
	}
	if name == "" {
		return KI2Token{}, fmt.Errorf("cannot detect piece name: %q", token)
	}
	norm, err := normFromJA(name)
	if err != nil {
		return KI2Token{}, err
	}

	parsed := KI2Token{
		Side:    side,
		To:      to,
		PieceJA: name,
		Norm:    norm,
		IsDrop:  strings.Contains(rest, "打"),
		Promote: strings.Contains(rest, "成") && !strings.Contains(rest, "不成"),
	}
	for _, mark := range []rune{'右', '左', '直', '上', '引', '寄'} {
		if strings.ContainsRune(rest, mark) {
			parsed.Disambig = append(parsed.Disambig, mark)
		}
	}
	return parsed, nil
}

// LabelForMove renders the Japanese display label for a move played from the
// given parent position ("▲７六歩"). Falls back to the raw USI string when
// the position or move cannot be interpreted.
func LabelForMove(parentSFEN, moveUSI string) string {
	label, err := KIF2Label(parentSFEN, moveUSI)
	if err != nil {
		return moveUSI
	}
	return label
}

// KIF2Label renders a plain KI2-style label with no disambiguation marks.
func KIF2Label(parentSFEN, moveUSI string) (string, error) {
	pos, err := ParseSFEN(parentSFEN)
	if err != nil {
		return "", err
	}
	m, err := ParseMove(moveUSI)
	if err != nil {
		return "", err
	}
	mark := SideMark(pos.Side)
	toStr := FormatKIFSquare(m.To)
	if m.IsDrop {
		return mark + toStr + jaPieceName(string(m.Drop)) + "打", nil
	}
	token := pos.Board[m.From.Row][m.From.Col]
	if token == "" {
		return "", fmt.Errorf("source square %s empty", m.From)
	}
	suffix := ""
	if m.Promote {
		suffix = "成"
	}
	return mark + toStr + jaPieceName(normalizeToken(token)) + suffix, nil
}

// KIFMoveText renders a KIF move body: "７六歩(77)", "同　歩(33)", "７六歩打".
func KIFMoveText(pos *Position, m Move, prevTo *Square) (string, error) {
	toStr := FormatKIFSquare(m.To)
	if prevTo != nil && *prevTo == m.To {
		toStr = "同　"
	}
	if m.IsDrop {
		return toStr + jaPieceName(string(m.Drop)) + "打", nil
	}
	token := pos.Board[m.From.Row][m.From.Col]
	if token == "" {
		return "", fmt.Errorf("source square %s empty", m.From)
	}
	suffix := ""
	if m.Promote {
		suffix = "成"
	}
	return fmt.Sprintf("%s%s%s(%d%d)", toStr, jaPieceName(normalizeToken(token)), suffix, m.From.File(), m.From.Rank()), nil
}

// ki2MarkSets is the search order for disambiguation marks: none, singles,
// then pairs. The first set whose filter result is exactly the played source
// square wins.
var ki2MarkSets = [][]rune{
	nil,
	{'直'}, {'上'}, {'引'}, {'寄'}, {'右'}, {'左'},
	{'右', '上'}, {'左', '上'}, {'右', '引'}, {'左', '引'}, {'右', '寄'}, {'左', '寄'},
	{'直', '上'}, {'直', '引'},
}

// KI2MoveToken renders a complete KI2 token for a move from the given
// position, choosing the minimal disambiguation that re-parses to the same
// source square. Drops carry 打 only when a board piece of the same kind
// could also reach the destination.
func KI2MoveToken(pos *Position, m Move, prevTo *Square) (string, error) {
	side := pos.Side
	mark := SideMark(side)
	toStr := FormatKIFSquare(m.To)
	if prevTo != nil && *prevTo == m.To {
		toStr = "同　"
	}

	if m.IsDrop {
		norm := string(m.Drop)
		suffix := ""
		if len(CandidatesFor(pos, side, norm, m.To)) > 0 {
			suffix = "打"
		}
		return mark + toStr + jaPieceName(norm) + suffix, nil
	}

	token := pos.Board[m.From.Row][m.From.Col]
	if token == "" {
		return "", fmt.Errorf("source square %s empty", m.From)
	}
	norm := normalizeToken(token)
	name := jaPieceName(norm)
	promoteSuffix := ""
	if m.Promote {
		promoteSuffix = "成"
	}

	cands := CandidatesFor(pos, side, norm, m.To)
	if len(cands) == 0 {
		return "", fmt.Errorf("no candidate for %s to %s", name, m.To)
	}
	for _, marks := range ki2MarkSets {
		filtered := FilterDisambig(side, m.To, cands, marks)
		if len(filtered) == 1 && filtered[0] == m.From {
			return mark + toStr + name + string(marks) + promoteSuffix, nil
		}
	}
	return "", fmt.Errorf("cannot disambiguate %s to %s from %s", name, m.To, m.From)
}
