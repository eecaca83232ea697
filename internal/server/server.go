// Package server is the HTTP and WebSocket surface plus the state
// synchronizer that owns the current game, the session slot and the
// connected clients.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/kifulab/kifulab/internal/analysis"
	"github.com/kifulab/kifulab/internal/config"
	"github.com/kifulab/kifulab/internal/kifu"
	"github.com/kifulab/kifulab/internal/session"
	"github.com/kifulab/kifulab/internal/storage"
	"github.com/kifulab/kifulab/internal/tree"
	"github.com/kifulab/kifulab/internal/usi"
)

// Server wires the store, the engine supervisor and the analysis
// coordinator behind one router.
type Server struct {
	cfg   config.Config
	log   *zap.Logger
	store *storage.Store
	sup   *usi.Supervisor
	coord *analysis.Coordinator

	game    *tree.Game
	slot    session.Slot
	clients map[*client]struct{}

	intents        chan intent
	analysisFrames chan []byte
	done           chan struct{}
	stopped        chan struct{}
	stopOnce       sync.Once

	upgrader websocket.Upgrader
	router   *gin.Engine
	http     *http.Server
}

// New restores the current game from the store and starts the synchronizer
// goroutine.
func New(cfg config.Config, store *storage.Store, sup *usi.Supervisor, logger *zap.Logger) (*Server, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		cfg:            cfg,
		log:            logger,
		store:          store,
		sup:            sup,
		clients:        map[*client]struct{}{},
		intents:        make(chan intent, 256),
		analysisFrames: make(chan []byte, 128),
		done:           make(chan struct{}),
		stopped:        make(chan struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}

	s.coord = analysis.New(analysis.Wrap(sup), store, analysis.Events{
		Update: func(u analysis.Update) {
			s.pushAnalysisFrame("analysis:update", u)
		},
		Stopped: func(reason string) {
			s.pushAnalysisFrame("analysis:stopped", stoppedPayload{Reason: reason})
		},
		Toast: func(level, message string) {
			s.pushAnalysisFrame("toast", toastPayload{Level: level, Message: message})
		},
	}, logger.Named("analysis"), analysis.Options{})

	g, err := restoreGame(store, logger)
	if err != nil {
		return nil, err
	}
	s.game = g
	s.syncAnalysisPosition()

	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery(), corsMiddleware())

	r.GET("/healthz", s.handleHealthz)
	api := r.Group("/api")
	{
		api.GET("/games", s.handleListGames)
		api.POST("/games", s.handleCreateGame)
		api.GET("/games/:id", s.handleGetGame)
		api.PUT("/games/:id", s.handleUpdateGame)
		api.DELETE("/games/:id", s.handleDeleteGame)
		api.POST("/import", s.handleImport)
		api.GET("/export/:id", s.handleExport)
	}
	r.GET("/ws", s.handleWS)
	s.router = r

	go s.run()
	return s, nil
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves until the listener fails or Stop is called.
func (s *Server) Run() error {
	s.http = &http.Server{Addr: s.cfg.Addr, Handler: s.router}
	s.log.Info("listening", zap.String("addr", s.cfg.Addr))
	err := s.http.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Stop drains HTTP, drops WebSocket clients and shuts down analysis. Safe
// to call more than once.
func (s *Server) Stop(ctx context.Context) {
	s.stopOnce.Do(func() {
		if s.http != nil {
			_ = s.http.Shutdown(ctx)
		}
		close(s.done)
		<-s.stopped
		s.coord.Shutdown()
	})
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

func (s *Server) handleHealthz(c *gin.Context) {
	var gameID string
	s.do(func() { gameID = s.game.ID })
	c.JSON(http.StatusOK, gin.H{
		"ok":              true,
		"engine":          s.sup.Status(),
		"current_game_id": gameID,
	})
}

func (s *Server) handleListGames(c *gin.Context) {
	limit := 20
	if raw := c.Query("limit"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 1 || v > 100 {
			c.JSON(http.StatusBadRequest, gin.H{"detail": "limit must be 1..100"})
			return
		}
		limit = v
	}
	offset := 0
	if raw := c.Query("offset"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"detail": "offset must be >= 0"})
			return
		}
		offset = v
	}
	items, total, err := s.store.ListGames(limit, offset)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"detail": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"items":  items,
		"total":  total,
		"limit":  limit,
		"offset": offset,
	})
}

func (s *Server) handleCreateGame(c *gin.Context) {
	var p gameNewPayload
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&p); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"detail": "bad request body"})
			return
		}
	}
	var (
		wire     *tree.Wire
		buildErr error
	)
	s.do(func() {
		g, err := tree.New(p.Title, p.InitialSFEN)
		if err != nil {
			buildErr = err
			return
		}
		s.adoptGame(nil, g)
		wire = s.game.Wire()
	})
	if buildErr != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": buildErr.Error()})
		return
	}
	c.JSON(http.StatusCreated, wire)
}

func (s *Server) handleGetGame(c *gin.Context) {
	g, err := s.store.LoadGame(c.Param("id"))
	if errors.Is(err, storage.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"detail": "game not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"detail": err.Error()})
		return
	}
	c.JSON(http.StatusOK, g.Wire())
}

type updateGamePayload struct {
	Title         *string           `json:"title"`
	Meta          map[string]string `json:"meta"`
	UIState       *tree.UIState     `json:"ui_state"`
	CurrentNodeID *string           `json:"current_node_id"`
}

func (s *Server) handleUpdateGame(c *gin.Context) {
	var p updateGamePayload
	if err := c.ShouldBindJSON(&p); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": "bad request body"})
		return
	}
	id := c.Param("id")
	var (
		wire   *tree.Wire
		status int
		detail string
	)
	s.do(func() {
		if id == s.game.ID {
			if err := applyGameUpdate(s.game, p); err != nil {
				status, detail = http.StatusBadRequest, err.Error()
				return
			}
			s.game.Touch()
			s.commit(nil)
			wire = s.game.Wire()
			return
		}
		g, err := s.store.LoadGame(id)
		if errors.Is(err, storage.ErrNotFound) {
			status, detail = http.StatusNotFound, "game not found"
			return
		}
		if err != nil {
			status, detail = http.StatusInternalServerError, err.Error()
			return
		}
		if err := applyGameUpdate(g, p); err != nil {
			status, detail = http.StatusBadRequest, err.Error()
			return
		}
		g.Touch()
		if err := s.store.SaveGame(g); err != nil {
			status, detail = http.StatusInternalServerError, err.Error()
			return
		}
		wire = g.Wire()
	})
	if status != 0 {
		c.JSON(status, gin.H{"detail": detail})
		return
	}
	c.JSON(http.StatusOK, wire)
}

func applyGameUpdate(g *tree.Game, p updateGamePayload) error {
	if p.CurrentNodeID != nil {
		if _, err := g.Jump(*p.CurrentNodeID); err != nil {
			return err
		}
	}
	if p.Title != nil {
		g.Title = strings.TrimSpace(*p.Title)
		if g.Title == "" {
			g.Title = "Untitled game"
		}
	}
	if p.Meta != nil {
		g.Meta = p.Meta
	}
	if p.UIState != nil {
		g.UIState = *p.UIState
	}
	return nil
}

func (s *Server) handleDeleteGame(c *gin.Context) {
	id := c.Param("id")
	var delErr error
	s.do(func() {
		delErr = s.store.DeleteGame(id)
		if delErr != nil {
			return
		}
		if st, err := s.store.LoadAppState(); err == nil && st.CurrentGameID == id {
			st.CurrentGameID = ""
			st.LastSeenCursor = ""
			if err := s.store.SaveAppState(st); err != nil {
				s.log.Error("clear app state failed", zap.Error(err))
			}
		}
	})
	if errors.Is(delErr, storage.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"detail": "game not found"})
		return
	}
	if delErr != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"detail": delErr.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleImport(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, s.cfg.ImportMaxBytes)
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"detail": "import body too large"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"detail": "failed to read body"})
		return
	}

	text := string(body)
	var title string
	trimmed := strings.TrimSpace(text)
	if strings.HasPrefix(trimmed, "{") {
		var p importTextPayload
		if err := json.Unmarshal(body, &p); err == nil && p.Text != "" {
			text, title = p.Text, p.Title
		}
	}

	var (
		wire     *tree.Wire
		format   kifu.Format
		parseErr error
	)
	s.do(func() {
		g, f, err := importGame(text, title)
		if err != nil {
			format, parseErr = f, err
			return
		}
		format = f
		s.adoptGame(nil, g)
		wire = s.game.Wire()
	})
	if parseErr != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": parseErr.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"format": format, "game": wire})
}

var exportExt = map[kifu.Format]string{
	kifu.FormatUSI:  ".usi.txt",
	kifu.FormatKIF:  ".kif",
	kifu.FormatKIF2: ".ki2",
}

func (s *Server) handleExport(c *gin.Context) {
	format := kifu.Format(c.DefaultQuery("format", "kif"))
	ext, ok := exportExt[format]
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"detail": "format must be usi, kif or kif2"})
		return
	}
	id := c.Param("id")
	g, err := s.store.LoadGame(id)
	if errors.Is(err, storage.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"detail": "game not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"detail": err.Error()})
		return
	}
	text, err := kifu.Emit(format, g, kifu.EmitOptions{AllVariations: format == kifu.FormatUSI})
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": err.Error()})
		return
	}
	c.Header("Content-Disposition", `attachment; filename="`+id+ext+`"`)
	c.Data(http.StatusOK, "text/plain; charset=utf-8", []byte(text))
}

func (s *Server) handleWS(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.Warn("upgrade failed", zap.Error(err))
		return
	}
	cl := newClient(conn, s.log.Named("ws"))
	go cl.writePump()
	select {
	case s.intents <- intent{kind: intentConnect, c: cl}:
	case <-s.done:
		_ = conn.Close()
		return
	}
	cl.readPump(s)
}
