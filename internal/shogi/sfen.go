// Package shogi implements SFEN position handling, USI move application and
// Japanese kifu notation for standard shogi.
package shogi

import (
	"fmt"
	"strconv"
	"strings"
)

// DefaultStartSFEN is the SFEN string for the standard starting position.
const DefaultStartSFEN = "lnsgkgsnl/1r5b1/ppppppppp/9/9/9/PPPPPPPPP/1B5R1/LNSGKGSNL b - 1"

// HandOrder is the canonical piece order for the SFEN hands field.
var HandOrder = [7]byte{'R', 'B', 'G', 'S', 'N', 'L', 'P'}

// Black and White identify the side to move in SFEN.
const (
	Black byte = 'b'
	White byte = 'w'
)

var promotable = map[byte]bool{'P': true, 'L': true, 'N': true, 'S': true, 'B': true, 'R': true}

var pieceLetters = map[byte]bool{'P': true, 'L': true, 'N': true, 'S': true, 'G': true, 'B': true, 'R': true, 'K': true}

// Position is a fully parsed SFEN position.
//
// Board is indexed [row][col] where row 0 is rank 'a' (the far side from
// black) and col 0 is file 9. Cells hold SFEN tokens: "P" for a black pawn,
// "p" for a white pawn, "+P"/"+p" for promoted pieces, "" for empty.
type Position struct {
	Board [9][9]string
	Side  byte
	Hands [2][7]int // [0] black, [1] white, indexed per HandOrder
	Ply   int
}

// NormalizeSFEN trims the input, maps "" and "startpos" to the default start
// position and keeps exactly the first four SFEN fields.
func NormalizeSFEN(sfen string) (string, error) {
	s := strings.TrimSpace(sfen)
	if s == "" || s == "startpos" {
		return DefaultStartSFEN, nil
	}
	parts := strings.Fields(s)
	if len(parts) < 4 {
		return "", fmt.Errorf("SFEN must have 4 fields, got %d", len(parts))
	}
	return strings.Join(parts[:4], " "), nil
}

// ParseSFEN parses an SFEN string (normalized first) into a Position.
func ParseSFEN(sfen string) (*Position, error) {
	normalized, err := NormalizeSFEN(sfen)
	if err != nil {
		return nil, err
	}
	parts := strings.Fields(normalized)

	pos := &Position{}

	// Piece placement (field 0)
	if err := parseBoard(pos, parts[0]); err != nil {
		return nil, err
	}

	// Side to move (field 1)
	switch parts[1] {
	case "b":
		pos.Side = Black
	case "w":
		pos.Side = White
	default:
		return nil, fmt.Errorf("invalid side to move: %s", parts[1])
	}

	// Hands (field 2)
	if err := parseHands(pos, parts[2]); err != nil {
		return nil, err
	}

	// Ply (field 3)
	ply, err := strconv.Atoi(parts[3])
	if err != nil {
		return nil, fmt.Errorf("invalid ply: %s", parts[3])
	}
	if ply < 1 {
		ply = 1
	}
	pos.Ply = ply

	return pos, nil
}

func parseBoard(pos *Position, placement string) error {
	ranks := strings.Split(placement, "/")
	if len(ranks) != 9 {
		return fmt.Errorf("invalid piece placement: need 9 ranks, got %d", len(ranks))
	}

	for r, rank := range ranks {
		c := 0
		for i := 0; i < len(rank); i++ {
			ch := rank[i]
			if ch >= '1' && ch <= '9' {
				c += int(ch - '0')
				continue
			}
			token := string(ch)
			if ch == '+' {
				if i+1 >= len(rank) {
					return fmt.Errorf("dangling '+' in rank %d", r+1)
				}
				i++
				token = "+" + string(rank[i])
			}
			if c > 8 {
				return fmt.Errorf("too many squares in rank %d", r+1)
			}
			letter := upperByte(token[len(token)-1])
			if !pieceLetters[letter] {
				return fmt.Errorf("invalid piece token: %s", token)
			}
			pos.Board[r][c] = token
			c++
		}
		if c != 9 {
			return fmt.Errorf("invalid number of squares in rank %d: got %d", r+1, c)
		}
	}

	return nil
}

func parseHands(pos *Position, hands string) error {
	if hands == "" || hands == "-" {
		return nil
	}
	count := 0
	haveCount := false
	for i := 0; i < len(hands); i++ {
		ch := hands[i]
		if ch >= '0' && ch <= '9' {
			count = count*10 + int(ch-'0')
			haveCount = true
			continue
		}
		base := upperByte(ch)
		idx := handIndex(base)
		if idx < 0 {
			return fmt.Errorf("invalid hand piece: %c", ch)
		}
		n := 1
		if haveCount {
			n = count
		}
		side := 0
		if ch >= 'a' && ch <= 'z' {
			side = 1
		}
		pos.Hands[side][idx] += n
		count = 0
		haveCount = false
	}
	if haveCount {
		return fmt.Errorf("dangling count in hands: %s", hands)
	}
	return nil
}

// SFEN serializes the position back to its four-field SFEN form.
func (p *Position) SFEN() string {
	var sb strings.Builder

	for r := 0; r < 9; r++ {
		if r > 0 {
			sb.WriteByte('/')
		}
		empties := 0
		for c := 0; c < 9; c++ {
			cell := p.Board[r][c]
			if cell == "" {
				empties++
				continue
			}
			if empties > 0 {
				sb.WriteString(strconv.Itoa(empties))
				empties = 0
			}
			sb.WriteString(cell)
		}
		if empties > 0 {
			sb.WriteString(strconv.Itoa(empties))
		}
	}

	sb.WriteByte(' ')
	sb.WriteByte(p.Side)
	sb.WriteByte(' ')

	hands := ""
	for side := 0; side < 2; side++ {
		for i, piece := range HandOrder {
			n := p.Hands[side][i]
			if n <= 0 {
				continue
			}
			ch := piece
			if side == 1 {
				ch = lowerByte(piece)
			}
			if n > 1 {
				hands += strconv.Itoa(n)
			}
			hands += string(ch)
		}
	}
	if hands == "" {
		hands = "-"
	}
	sb.WriteString(hands)

	ply := p.Ply
	if ply < 1 {
		ply = 1
	}
	sb.WriteByte(' ')
	sb.WriteString(strconv.Itoa(ply))

	return sb.String()
}

// HandCount returns how many pieces of the given uppercase letter the side
// holds in hand.
func (p *Position) HandCount(side, piece byte) int {
	idx := handIndex(upperByte(piece))
	if idx < 0 {
		return 0
	}
	return p.Hands[sideIndex(side)][idx]
}

func handIndex(piece byte) int {
	for i, p := range HandOrder {
		if p == piece {
			return i
		}
	}
	return -1
}

func sideIndex(side byte) int {
	if side == White {
		return 1
	}
	return 0
}

// tokenOwner reports which side owns a board token.
func tokenOwner(token string) byte {
	last := token[len(token)-1]
	if last >= 'A' && last <= 'Z' {
		return Black
	}
	return White
}

// normalizeToken maps a board token to its uppercase form: "p" -> "P",
// "+p" -> "+P".
func normalizeToken(token string) string {
	if token == "" {
		return ""
	}
	if token[0] == '+' {
		return "+" + string(upperByte(token[len(token)-1]))
	}
	return string(upperByte(token[len(token)-1]))
}

// baseLetter returns the unpromoted uppercase letter of a board token.
func baseLetter(token string) byte {
	return upperByte(token[len(token)-1])
}

func promoteToken(token string) string {
	base := baseLetter(token)
	if !promotable[base] || token[0] == '+' {
		return token
	}
	if tokenOwner(token) == Black {
		return "+" + string(base)
	}
	return "+" + string(lowerByte(base))
}

func upperByte(b byte) byte {
	if b >= 'a' && b <= 'z' {
		return b - 'a' + 'A'
	}
	return b
}

func lowerByte(b byte) byte {
	if b >= 'A' && b <= 'Z' {
		return b - 'A' + 'a'
	}
	return b
}
