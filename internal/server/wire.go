package server

import (
	"encoding/json"

	"github.com/kifulab/kifulab/internal/analysis"
	"github.com/kifulab/kifulab/internal/tree"
	"github.com/kifulab/kifulab/internal/usi"
)

// Frame is the inbound message envelope. Owner-authored frames carry the
// session credentials; observers may only send session:takeover.
type Frame struct {
	Type       string          `json:"type"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	SessionID  string          `json:"session_id,omitempty"`
	OwnerToken string          `json:"owner_token,omitempty"`
}

type outFrame struct {
	Type    string `json:"type"`
	Payload any    `json:"payload,omitempty"`
}

// Capabilities advertises what this server build supports.
type Capabilities struct {
	Analysis      bool     `json:"analysis"`
	ImportFormats []string `json:"import_formats"`
	ExportFormats []string `json:"export_formats"`
}

type grantedPayload struct {
	SessionID  string             `json:"session_id"`
	OwnerToken string             `json:"owner_token"`
	Game       *tree.Wire         `json:"game"`
	Caps       Capabilities       `json:"server_capabilities"`
	Engine     usi.Status         `json:"engine_status"`
	Analysis   analysis.StateWire `json:"analysis_state"`
}

type busyPayload struct {
	OwnerSince string `json:"owner_since"`
}

type kickedPayload struct {
	Reason string `json:"reason"`
}

type toastPayload struct {
	Level   string `json:"level"`
	Message string `json:"message"`
}

type stoppedPayload struct {
	Reason string `json:"reason"`
}

type gameNewPayload struct {
	Title       string `json:"title"`
	InitialSFEN string `json:"initial_sfen"`
}

type gameLoadPayload struct {
	GameID string `json:"game_id"`
}

type importTextPayload struct {
	Text  string `json:"text"`
	Title string `json:"title"`
}

type playMovePayload struct {
	FromNodeID string `json:"from_node_id"`
	MoveUSI    string `json:"move_usi"`
}

type jumpPayload struct {
	NodeID string `json:"node_id"`
}

type reorderPayload struct {
	ParentID        string   `json:"parent_id"`
	OrderedChildIDs []string `json:"ordered_child_ids"`
}

type setCommentPayload struct {
	NodeID  string `json:"node_id"`
	Comment string `json:"comment"`
}

type setEnabledPayload struct {
	Enabled bool `json:"enabled"`
}

type setMultiPVPayload struct {
	MultiPV int `json:"multipv"`
}
