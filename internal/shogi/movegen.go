package shogi

// CandidatesFor returns the source squares holding a piece of the given
// normalized kind ("P", "+B", ...) owned by side that could move to the
// target square. The generator is pseudo-legal: checks are ignored. It exists
// to read and write KI2 disambiguation, not to validate games.
func CandidatesFor(pos *Position, side byte, norm string, to Square) []Square {
	forward := -1
	if side == White {
		forward = 1
	}

	var out []Square
	seen := make(map[Square]bool)
	add := func(sq Square) {
		if !seen[sq] {
			seen[sq] = true
			out = append(out, sq)
		}
	}

	for fr := 0; fr < 9; fr++ {
		for fc := 0; fc < 9; fc++ {
			token := pos.Board[fr][fc]
			if token == "" || tokenOwner(token) != side || normalizeToken(token) != norm {
				continue
			}
			if dst := pos.Board[to.Row][to.Col]; dst != "" && tokenOwner(dst) == side {
				continue
			}
			from := Square{Row: fr, Col: fc}

			switch norm {
			case "P":
				if stepOK(fr, fc, to, forward, 0) {
					add(from)
				}
			case "L":
				if fc == to.Col && (to.Row-fr)*forward > 0 && pos.slideOK(fr, fc, to, forward, 0) {
					add(from)
				}
			case "N":
				if (fr+2*forward == to.Row) && (fc-1 == to.Col || fc+1 == to.Col) {
					add(from)
				}
			case "S":
				for _, d := range [][2]int{{forward, 0}, {forward, -1}, {forward, 1}, {-forward, -1}, {-forward, 1}} {
					if stepOK(fr, fc, to, d[0], d[1]) {
						add(from)
					}
				}
			case "G", "+P", "+L", "+N", "+S":
				for _, d := range [][2]int{{forward, 0}, {forward, -1}, {forward, 1}, {0, -1}, {0, 1}, {-forward, 0}} {
					if stepOK(fr, fc, to, d[0], d[1]) {
						add(from)
					}
				}
			case "K":
				for _, d := range [][2]int{{-1, -1}, {-1, 0}, {-1, 1}, {0, -1}, {0, 1}, {1, -1}, {1, 0}, {1, 1}} {
					if stepOK(fr, fc, to, d[0], d[1]) {
						add(from)
					}
				}
			case "B", "+B":
				dr, dc := to.Row-fr, to.Col-fc
				if dr != 0 && abs(dr) == abs(dc) {
					if pos.slideOK(fr, fc, to, sign(dr), sign(dc)) {
						add(from)
					}
				}
				if norm == "+B" {
					for _, d := range [][2]int{{-1, 0}, {1, 0}, {0, -1}, {0, 1}} {
						if stepOK(fr, fc, to, d[0], d[1]) {
							add(from)
						}
					}
				}
			case "R", "+R":
				if fr == to.Row && fc != to.Col {
					if pos.slideOK(fr, fc, to, 0, sign(to.Col-fc)) {
						add(from)
					}
				}
				if fc == to.Col && fr != to.Row {
					if pos.slideOK(fr, fc, to, sign(to.Row-fr), 0) {
						add(from)
					}
				}
				if norm == "+R" {
					for _, d := range [][2]int{{-1, -1}, {-1, 1}, {1, -1}, {1, 1}} {
						if stepOK(fr, fc, to, d[0], d[1]) {
							add(from)
						}
					}
				}
			}
		}
	}
	return out
}

func stepOK(fr, fc int, to Square, dr, dc int) bool {
	return fr+dr == to.Row && fc+dc == to.Col
}

// slideOK reports whether every square strictly between (fr,fc) and the
// target along the given direction is empty.
func (p *Position) slideOK(fr, fc int, to Square, dr, dc int) bool {
	r, c := fr+dr, fc+dc
	for r != to.Row || c != to.Col {
		if r < 0 || r > 8 || c < 0 || c > 8 {
			return false
		}
		if p.Board[r][c] != "" {
			return false
		}
		r += dr
		c += dc
	}
	return true
}

// FilterDisambig narrows candidate source squares by KI2 disambiguation
// marks. 直 keeps the destination file, 寄 the destination rank, 上/引 keep
// squares behind/ahead of the destination from the mover's viewpoint, and
// 右/左 keep the extreme file among what remains.
func FilterDisambig(side byte, to Square, cands []Square, marks []rune) []Square {
	if len(marks) == 0 || len(cands) == 0 {
		return cands
	}

	forwardIsUp := side == Black
	filtered := cands
	has := func(mark rune) bool {
		for _, m := range marks {
			if m == mark {
				return true
			}
		}
		return false
	}

	if has('直') {
		filtered = keep(filtered, func(sq Square) bool { return sq.File() == to.File() })
	}
	if has('寄') {
		filtered = keep(filtered, func(sq Square) bool { return sq.Rank() == to.Rank() })
	}
	if has('上') {
		filtered = keep(filtered, func(sq Square) bool {
			if forwardIsUp {
				return sq.Rank() > to.Rank()
			}
			return sq.Rank() < to.Rank()
		})
	}
	if has('引') {
		filtered = keep(filtered, func(sq Square) bool {
			if forwardIsUp {
				return sq.Rank() < to.Rank()
			}
			return sq.Rank() > to.Rank()
		})
	}
	if has('右') {
		if best, ok := extremeFile(filtered, side == Black); ok {
			filtered = keep(filtered, func(sq Square) bool { return sq.File() == best })
		}
	}
	if has('左') {
		if best, ok := extremeFile(filtered, side != Black); ok {
			filtered = keep(filtered, func(sq Square) bool { return sq.File() == best })
		}
	}
	return filtered
}

// extremeFile picks the smallest file when min is true, else the largest.
// Sente's right hand side is the smaller file number; gote's is the larger.
func extremeFile(cands []Square, min bool) (int, bool) {
	if len(cands) == 0 {
		return 0, false
	}
	best := cands[0].File()
	for _, sq := range cands[1:] {
		f := sq.File()
		if (min && f < best) || (!min && f > best) {
			best = f
		}
	}
	return best, true
}

func keep(cands []Square, pred func(Square) bool) []Square {
	out := cands[:0:0]
	for _, sq := range cands {
		if pred(sq) {
			out = append(out, sq)
		}
	}
	return out
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}

func sign(n int) int {
	switch {
	case n > 0:
		return 1
	case n < 0:
		return -1
	}
	return 0
}
