package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/kifulab/kifulab/internal/kifu"
	"github.com/kifulab/kifulab/internal/session"
	"github.com/kifulab/kifulab/internal/shogi"
	"github.com/kifulab/kifulab/internal/storage"
	"github.com/kifulab/kifulab/internal/tree"
)

type intentKind int

const (
	intentConnect intentKind = iota
	intentDisconnect
	intentFrame
	intentCall
)

// intent is one unit of work for the synchronizer goroutine. call intents
// carry HTTP mutations; the closure runs on the synchronizer.
type intent struct {
	kind  intentKind
	c     *client
	frame Frame
	call  func()
}

// run is the synchronizer: the only goroutine that touches the current
// game, the session slot and the client set.
func (s *Server) run() {
	defer close(s.stopped)
	for {
		select {
		case in := <-s.intents:
			switch in.kind {
			case intentConnect:
				s.handleConnect(in.c)
			case intentDisconnect:
				s.handleDisconnect(in.c)
			case intentFrame:
				s.handleFrame(in.c, in.frame)
			case intentCall:
				in.call()
			}
		case data := <-s.analysisFrames:
			s.broadcastRaw(data)
		case <-s.done:
			for c := range s.clients {
				s.dropClient(c)
			}
			return
		}
	}
}

// do runs fn on the synchronizer goroutine and waits for it. After Stop the
// call is skipped.
func (s *Server) do(fn func()) {
	done := make(chan struct{})
	select {
	case s.intents <- intent{kind: intentCall, call: func() {
		defer close(done)
		fn()
	}}:
	case <-s.done:
		return
	}
	select {
	case <-done:
	case <-s.done:
	}
}

func (s *Server) handleConnect(c *client) {
	s.clients[c] = struct{}{}
	grant := s.slot.Grant(c)
	if !grant.Granted {
		s.sendTo(c, "session:busy", busyPayload{OwnerSince: grant.OwnerSince.UTC().Truncate(time.Second).Format(time.RFC3339)})
		return
	}
	s.sendTo(c, "session:granted", s.grantedPayload(grant))
}

func (s *Server) handleDisconnect(c *client) {
	s.dropClient(c)
	if s.slot.Release(c) {
		// Owner gone: analysis off, and remember that across restarts.
		s.coord.SetEnabled(false)
		if s.game.UIState.AnalysisEnabled {
			s.game.UIState.AnalysisEnabled = false
			if err := s.store.SaveGame(s.game); err != nil {
				s.log.Error("persist on owner disconnect failed", zap.Error(err))
			}
		}
	}
}

// dropClient removes the connection and closes its send channel exactly
// once; the write pump then closes the socket.
func (s *Server) dropClient(c *client) {
	if c.closed {
		return
	}
	c.closed = true
	delete(s.clients, c)
	close(c.send)
}

func (s *Server) handleFrame(c *client, frame Frame) {
	if frame.Type == "session:takeover" {
		grant, deposed := s.slot.Takeover(c)
		// The owner taking over its own slot just rotates credentials.
		if old, ok := deposed.(*client); ok && old != c {
			s.sendTo(old, "session:kicked", kickedPayload{Reason: "takeover"})
			s.dropClient(old)
		}
		s.sendTo(c, "session:granted", s.grantedPayload(grant))
		return
	}
	if frame.SessionID == "" && frame.OwnerToken == "" {
		// Observer chatter is dropped without a reply.
		return
	}
	if !s.slot.Fresh(frame.SessionID, frame.OwnerToken) {
		s.sendTo(c, "session:stale", nil)
		return
	}
	s.handleOwnerFrame(c, frame)
}

func (s *Server) handleOwnerFrame(c *client, frame Frame) {
	switch frame.Type {
	case "game:new":
		var p gameNewPayload
		if !s.decode(c, frame.Payload, &p) {
			return
		}
		g, err := tree.New(p.Title, p.InitialSFEN)
		if err != nil {
			s.sendToast(c, "error", "invalid initial position: "+err.Error())
			return
		}
		s.adoptGame(c, g)

	case "game:load":
		var p gameLoadPayload
		if !s.decode(c, frame.Payload, &p) {
			return
		}
		g, err := s.store.LoadGame(p.GameID)
		if err != nil {
			s.sendToast(c, "error", "failed to load game: "+err.Error())
			return
		}
		s.adoptGame(c, g)

	case "game:save":
		s.game.Touch()
		s.commit(c)

	case "game:import_text":
		var p importTextPayload
		if !s.decode(c, frame.Payload, &p) {
			return
		}
		g, _, err := importGame(p.Text, p.Title)
		if err != nil {
			s.sendToast(c, "error", "import failed: "+err.Error())
			return
		}
		s.adoptGame(c, g)

	case "node:play_move":
		var p playMovePayload
		if !s.decode(c, frame.Payload, &p) {
			return
		}
		if _, err := s.game.PlayMove(p.FromNodeID, p.MoveUSI); err != nil {
			s.sendToast(c, "error", err.Error())
			return
		}
		s.game.Touch()
		s.commit(c)

	case "node:jump":
		var p jumpPayload
		if !s.decode(c, frame.Payload, &p) {
			return
		}
		if _, err := s.game.Jump(p.NodeID); err != nil {
			s.sendToast(c, "error", err.Error())
			return
		}
		s.commit(c)

	case "node:reorder_children":
		var p reorderPayload
		if !s.decode(c, frame.Payload, &p) {
			return
		}
		if err := s.game.ReorderChildren(p.ParentID, p.OrderedChildIDs); err != nil {
			s.sendToast(c, "error", err.Error())
			return
		}
		s.game.Touch()
		s.commit(c)

	case "node:set_comment":
		var p setCommentPayload
		if !s.decode(c, frame.Payload, &p) {
			return
		}
		if err := s.game.SetComment(p.NodeID, p.Comment); err != nil {
			s.sendToast(c, "error", err.Error())
			return
		}
		s.game.Touch()
		s.commit(c)

	case "analysis:set_enabled":
		var p setEnabledPayload
		if !s.decode(c, frame.Payload, &p) {
			return
		}
		s.setAnalysisEnabled(c, p.Enabled)

	case "analysis:start":
		s.setAnalysisEnabled(c, true)

	case "analysis:stop":
		s.setAnalysisEnabled(c, false)

	case "analysis:set_multipv":
		var p setMultiPVPayload
		if !s.decode(c, frame.Payload, &p) {
			return
		}
		applied := s.coord.SetMultiPV(p.MultiPV)
		s.game.UIState.AnalysisMultiPV = applied
		s.commit(c)

	default:
		s.log.Debug("unhandled frame", zap.String("type", frame.Type))
	}
}

func (s *Server) setAnalysisEnabled(c *client, on bool) {
	s.syncAnalysisPosition()
	s.coord.SetEnabled(on)
	s.game.UIState.AnalysisEnabled = s.coord.Enabled()
	s.commit(c)
}

// adoptGame makes g the current game and announces it.
func (s *Server) adoptGame(c *client, g *tree.Game) {
	s.game = g
	s.commit(c)
}

// commit persists the current game, re-points analysis at the cursor
// position and broadcasts game:state. No broadcast happens when the store
// write fails.
func (s *Server) commit(c *client) {
	if err := s.store.SaveGame(s.game); err != nil {
		s.log.Error("persist failed", zap.String("game_id", s.game.ID), zap.Error(err))
		if c != nil {
			s.sendToast(c, "error", "failed to persist game")
		}
		return
	}
	s.persistAppState()
	s.syncAnalysisPosition()
	s.broadcast("game:state", s.game.Wire())
}

func (s *Server) persistAppState() {
	st := storage.AppState{
		CurrentGameID:  s.game.ID,
		LastSeenCursor: s.game.CurrentNodeID,
		Engine: storage.EngineAppState{
			ID:      strings.Join(s.cfg.EngineCommand, " "),
			Threads: s.cfg.EngineThreads,
			HashMB:  s.cfg.EngineHashMB,
			MultiPV: s.coord.MultiPV(),
		},
	}
	if err := s.store.SaveAppState(st); err != nil {
		s.log.Error("persist app state failed", zap.Error(err))
	}
}

// syncAnalysisPosition points the coordinator at the cursor position. The
// coordinator ignores calls that do not change it.
func (s *Server) syncAnalysisPosition() {
	moves, err := s.game.PathMoves()
	if err != nil {
		s.log.Error("cursor path broken", zap.Error(err))
		return
	}
	cmd, err := shogi.PositionCommand(s.game.InitialSFEN, moves)
	if err != nil {
		s.log.Error("position command failed", zap.Error(err))
		return
	}
	s.coord.PositionChanged(s.game.CurrentNodeID, cmd)
}

func (s *Server) grantedPayload(grant session.Grant) grantedPayload {
	return grantedPayload{
		SessionID:  grant.SessionID,
		OwnerToken: grant.OwnerToken,
		Game:       s.game.Wire(),
		Caps:       s.capabilities(),
		Engine:     s.sup.Status(),
		Analysis:   s.coord.StateWire(),
	}
}

func (s *Server) capabilities() Capabilities {
	formats := []string{string(kifu.FormatUSI), string(kifu.FormatKIF), string(kifu.FormatKIF2)}
	return Capabilities{
		Analysis:      s.sup.Available(),
		ImportFormats: formats,
		ExportFormats: formats,
	}
}

func (s *Server) decode(c *client, raw json.RawMessage, v any) bool {
	if len(raw) == 0 {
		s.sendToast(c, "error", "missing payload")
		return false
	}
	if err := json.Unmarshal(raw, v); err != nil {
		s.sendToast(c, "error", "bad payload: "+err.Error())
		return false
	}
	return true
}

func (s *Server) sendToast(c *client, level, message string) {
	s.sendTo(c, "toast", toastPayload{Level: level, Message: message})
}

func (s *Server) sendTo(c *client, typ string, payload any) {
	data, err := json.Marshal(outFrame{Type: typ, Payload: payload})
	if err != nil {
		s.log.Error("marshal frame failed", zap.String("type", typ), zap.Error(err))
		return
	}
	if !c.closed {
		c.enqueue(data)
	}
}

func (s *Server) broadcast(typ string, payload any) {
	data, err := json.Marshal(outFrame{Type: typ, Payload: payload})
	if err != nil {
		s.log.Error("marshal frame failed", zap.String("type", typ), zap.Error(err))
		return
	}
	s.broadcastRaw(data)
}

func (s *Server) broadcastRaw(data []byte) {
	for c := range s.clients {
		c.enqueue(data)
	}
}

// pushAnalysisFrame is called from coordinator callbacks (which run off the
// synchronizer goroutine and under the coordinator lock), so it only
// enqueues. The synchronizer broadcasts in channel order, which keeps every
// analysis:update behind the analysis:stopped that deposed its search.
func (s *Server) pushAnalysisFrame(typ string, payload any) {
	data, err := json.Marshal(outFrame{Type: typ, Payload: payload})
	if err != nil {
		s.log.Error("marshal frame failed", zap.String("type", typ), zap.Error(err))
		return
	}
	select {
	case s.analysisFrames <- data:
	default:
		s.log.Warn("analysis frame queue full, dropping", zap.String("type", typ))
	}
}

// importGame autodetects and parses kifu text into a fresh game.
func importGame(text, title string) (*tree.Game, kifu.Format, error) {
	format := kifu.Detect(text)
	if format == kifu.FormatUnknown {
		return nil, format, fmt.Errorf("%w: unrecognized kifu text", kifu.ErrUnknownFormat)
	}
	g, _, err := kifu.Parse(format, text)
	if err != nil {
		return nil, format, err
	}
	if title = strings.TrimSpace(title); title != "" {
		g.Title = title
	}
	return g, format, nil
}

// restoreGame loads the game the app state points at, falling back to the
// most recently updated game and then to a fresh one.
func restoreGame(store *storage.Store, log *zap.Logger) (*tree.Game, error) {
	st, err := store.LoadAppState()
	if err != nil {
		return nil, err
	}
	if st.CurrentGameID != "" {
		g, err := store.LoadGame(st.CurrentGameID)
		if err == nil {
			return g, nil
		}
		if !errors.Is(err, storage.ErrNotFound) {
			return nil, err
		}
		log.Warn("app state points at a missing game", zap.String("game_id", st.CurrentGameID))
	}
	items, _, err := store.ListGames(1, 0)
	if err != nil {
		return nil, err
	}
	if len(items) > 0 {
		g, err := store.LoadGame(items[0].ID)
		if err == nil {
			return g, nil
		}
		if !errors.Is(err, storage.ErrNotFound) {
			return nil, err
		}
	}
	return tree.New("", "")
}
