package usi

import (
	"strconv"
	"strings"
)

// PVLine is one principal variation as last reported by the engine. Mate
// scores are signed from the viewpoint of the side to move at the analyzed
// position.
type PVLine struct {
	PVIndex    int      `json:"pv_index"`
	ScoreType  string   `json:"score_type"` // "cp", "mate" or "unknown"
	ScoreValue int      `json:"score_value"`
	Depth      int      `json:"depth"`
	Seldepth   int      `json:"seldepth"`
	Nodes      int64    `json:"nodes"`
	NPS        int64    `json:"nps"`
	Hashfull   int      `json:"hashfull"`
	PVUSI      []string `json:"pv_usi"`
}

// parseInfoLine reads a USI "info ..." line. Unknown tokens are skipped and
// optional lowerbound/upperbound markers after a score are ignored. The
// returned line may have an empty PVUSI; the caller merges such counter-only
// updates into the stored line for that pv index.
func parseInfoLine(line string) (PVLine, bool) {
	tokens := strings.Fields(line)
	if len(tokens) == 0 || tokens[0] != "info" {
		return PVLine{}, false
	}

	pv := PVLine{PVIndex: 1, ScoreType: "unknown"}
	sawField := false

	i := 1
	for i < len(tokens) {
		switch tokens[i] {
		case "pv":
			pv.PVUSI = tokens[i+1:]
			sawField = true
			i = len(tokens)
		case "depth", "seldepth", "multipv", "nodes", "nps", "hashfull":
			if i+1 >= len(tokens) {
				i++
				continue
			}
			value, _ := strconv.ParseInt(tokens[i+1], 10, 64)
			switch tokens[i] {
			case "depth":
				pv.Depth = int(value)
			case "seldepth":
				pv.Seldepth = int(value)
			case "multipv":
				if value >= 1 {
					pv.PVIndex = int(value)
				}
			case "nodes":
				pv.Nodes = value
			case "nps":
				pv.NPS = value
			case "hashfull":
				pv.Hashfull = int(value)
			}
			sawField = true
			i += 2
		case "score":
			if i+2 >= len(tokens) {
				i++
				continue
			}
			kind := tokens[i+1]
			value, err := strconv.Atoi(tokens[i+2])
			if (kind == "cp" || kind == "mate") && err == nil {
				pv.ScoreType = kind
				pv.ScoreValue = value
				sawField = true
			}
			i += 3
			for i < len(tokens) && (tokens[i] == "lowerbound" || tokens[i] == "upperbound") {
				i++
			}
		default:
			i++
		}
	}

	return pv, sawField
}

// parseOptionName extracts the declared option name from an
// "option name <NAME...> type ..." line.
func parseOptionName(line string) string {
	tokens := strings.Fields(line)
	if len(tokens) < 4 || tokens[0] != "option" || tokens[1] != "name" {
		return ""
	}
	var name []string
	for _, tok := range tokens[2:] {
		if tok == "type" {
			break
		}
		name = append(name, tok)
	}
	return strings.Join(name, " ")
}
