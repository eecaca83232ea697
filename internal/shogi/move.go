package shogi

import (
	"fmt"
	"strings"
)

// Square addresses one board cell. Row 0 is rank 'a', col 0 is file 9.
type Square struct {
	Row, Col int
}

// File returns the shogi file number (1..9) of the square.
func (sq Square) File() int { return 9 - sq.Col }

// Rank returns the shogi rank number (1..9) of the square.
func (sq Square) Rank() int { return sq.Row + 1 }

// String renders the square in USI form ("7f").
func (sq Square) String() string {
	return fmt.Sprintf("%d%c", sq.File(), byte('a')+byte(sq.Row))
}

// SquareAt builds a Square from file and rank numbers (1..9 each).
func SquareAt(file, rank int) (Square, error) {
	if file < 1 || file > 9 || rank < 1 || rank > 9 {
		return Square{}, fmt.Errorf("square out of range: file %d rank %d", file, rank)
	}
	return Square{Row: rank - 1, Col: 9 - file}, nil
}

// ParseSquare parses a USI square like "7g".
func ParseSquare(s string) (Square, error) {
	if len(s) != 2 {
		return Square{}, fmt.Errorf("invalid USI square: %q", s)
	}
	if s[0] < '1' || s[0] > '9' {
		return Square{}, fmt.Errorf("invalid file in square: %q", s)
	}
	if s[1] < 'a' || s[1] > 'i' {
		return Square{}, fmt.Errorf("invalid rank in square: %q", s)
	}
	return Square{Row: int(s[1] - 'a'), Col: 9 - int(s[0]-'0')}, nil
}

// Move is a parsed USI move: either a board move (From -> To with optional
// promotion) or a drop of a hand piece onto To.
type Move struct {
	IsDrop  bool
	From    Square
	To      Square
	Promote bool
	Drop    byte // uppercase piece letter when IsDrop
}

// ParseMove parses a USI move string: "7g7f", "8h2b+", "P*5f".
func ParseMove(usi string) (Move, error) {
	s := strings.TrimSpace(usi)
	if s == "" {
		return Move{}, fmt.Errorf("empty USI move")
	}
	if len(s) == 4 && s[1] == '*' {
		piece := upperByte(s[0])
		if handIndex(piece) < 0 {
			return Move{}, fmt.Errorf("invalid drop piece: %c", s[0])
		}
		to, err := ParseSquare(s[2:4])
		if err != nil {
			return Move{}, err
		}
		return Move{IsDrop: true, To: to, Drop: piece}, nil
	}
	if len(s) != 4 && len(s) != 5 {
		return Move{}, fmt.Errorf("invalid USI move length: %q", s)
	}
	if len(s) == 5 && s[4] != '+' {
		return Move{}, fmt.Errorf("invalid promotion suffix: %q", s)
	}
	from, err := ParseSquare(s[0:2])
	if err != nil {
		return Move{}, err
	}
	to, err := ParseSquare(s[2:4])
	if err != nil {
		return Move{}, err
	}
	return Move{From: from, To: to, Promote: len(s) == 5}, nil
}

// String renders the move in USI form.
func (m Move) String() string {
	if m.IsDrop {
		return fmt.Sprintf("%c*%s", m.Drop, m.To)
	}
	s := m.From.String() + m.To.String()
	if m.Promote {
		s += "+"
	}
	return s
}

// Apply mutates the position by playing the move. The move is checked for
// basic legality at the SFEN level: drops need an empty target and a piece in
// hand, board moves need a source piece of the side to move and a target not
// occupied by that side. Captures go to the mover's hand demoted.
func (p *Position) Apply(m Move) error {
	side := p.Side
	if m.IsDrop {
		if m.Drop == 'K' {
			return fmt.Errorf("king drop is invalid")
		}
		if p.Board[m.To.Row][m.To.Col] != "" {
			return fmt.Errorf("drop destination %s occupied", m.To)
		}
		idx := handIndex(m.Drop)
		if idx < 0 || p.Hands[sideIndex(side)][idx] <= 0 {
			return fmt.Errorf("piece not in hand: %c", m.Drop)
		}
		p.Hands[sideIndex(side)][idx]--
		token := string(m.Drop)
		if side == White {
			token = string(lowerByte(m.Drop))
		}
		p.Board[m.To.Row][m.To.Col] = token
	} else {
		piece := p.Board[m.From.Row][m.From.Col]
		if piece == "" {
			return fmt.Errorf("source square %s empty", m.From)
		}
		if tokenOwner(piece) != side {
			return fmt.Errorf("moving opponent piece from %s", m.From)
		}
		captured := p.Board[m.To.Row][m.To.Col]
		if captured != "" {
			if tokenOwner(captured) == side {
				return fmt.Errorf("destination %s occupied by own piece", m.To)
			}
			if base := baseLetter(captured); base != 'K' {
				p.Hands[sideIndex(side)][handIndex(base)]++
			}
		}
		p.Board[m.From.Row][m.From.Col] = ""
		if m.Promote {
			piece = promoteToken(piece)
		}
		p.Board[m.To.Row][m.To.Col] = piece
	}

	if side == Black {
		p.Side = White
	} else {
		p.Side = Black
	}
	p.Ply++
	return nil
}

// ApplySFEN applies a USI move to an SFEN string and returns the resulting
// SFEN. This is the derivation step behind cached node positions.
func ApplySFEN(sfen, moveUSI string) (string, error) {
	pos, err := ParseSFEN(sfen)
	if err != nil {
		return "", err
	}
	m, err := ParseMove(moveUSI)
	if err != nil {
		return "", err
	}
	if err := pos.Apply(m); err != nil {
		return "", err
	}
	return pos.SFEN(), nil
}

// PositionCommand builds the USI "position" command for an initial SFEN plus
// a move chain. The default start position uses the startpos shorthand.
func PositionCommand(initialSFEN string, moves []string) (string, error) {
	normalized, err := NormalizeSFEN(initialSFEN)
	if err != nil {
		return "", err
	}
	base := "position startpos"
	if normalized != DefaultStartSFEN {
		base = "position sfen " + normalized
	}
	if len(moves) == 0 {
		return base, nil
	}
	return base + " moves " + strings.Join(moves, " "), nil
}
