// Package api exposes the engine's command surface over HTTP: route
// setup, JSON request/response shapes, and graceful shutdown on top of
// a fiber.App.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/rs/zerolog/log"

	"treasury-engine/internal/domain"
	"treasury-engine/internal/engine"
)

// Engine is the subset of *engine.Engine the server drives.
type Engine interface {
	OpenPosition(ctx context.Context, req engine.OpenRequest, adminID string) (bool, string, *domain.Position, error)
	ClosePosition(ctx context.Context, id, adminID, reason string, slippageBps int) (bool, string, error)
	UpdatePositions(ctx context.Context) error
	ReconcileWithOnchain(ctx context.Context) (engine.Reconciliation, error)
	GetPortfolioValue(ctx context.Context) (solBalance, usdValue float64, err error)
}

// Store is the subset of *store.Store the server reads from directly,
// for commands that don't need the orchestrator (status/positions/
// history).
type Store interface {
	OpenPositions() []*domain.Position
	History(limit int) []*domain.Position
}

// EmergencyController is the subset of *emergency.Controller the server
// drives for the emergency-stop/resume/pause-token/resume-token commands.
type EmergencyController interface {
	ActivateKillSwitch(reason, activatedBy string, strategy domain.UnwindStrategy) error
	ActivateSoftStop(reason, activatedBy string) error
	ActivateHardStop(reason, activatedBy string, strategy domain.UnwindStrategy) error
	PauseToken(mint, reason, activatedBy string) error
	ResumeToken(mint string) (bool, error)
	ResumeTrading(resumedBy string) error
	State() domain.EmergencyStopState
}

// TokenResolver resolves a human-entered name or contract address into a
// mint, satisfied by *token.Resolver, so /open can accept a symbol
// without the caller having to already know the mint.
type TokenResolver interface {
	Resolve(tokenNameOrCA string) (string, error)
}

// Server runs the HTTP command surface: open/close/status/positions/
// history/reconcile/emergency-stop/resume/pause-token/resume-token, per
// the external command surface this engine exposes.
type Server struct {
	app       *fiber.App
	engine    Engine
	store     Store
	emergency EmergencyController
	resolver  TokenResolver
	adminIDs  map[string]bool
	host      string
	port      int
}

// SetResolver wires a token name resolver for /open payloads that carry
// a symbol but no mint. Optional: nil leaves name resolution disabled.
func (s *Server) SetResolver(r TokenResolver) { s.resolver = r }

// MetricsHandler is satisfied by *metrics.Registry.
type MetricsHandler interface {
	Handler() http.Handler
}

// SetMetrics mounts m's Prometheus handler at GET /metrics.
func (s *Server) SetMetrics(m MetricsHandler) {
	s.app.Get("/metrics", adaptor.HTTPHandler(m.Handler()))
}

// NewServer wires the fiber app and its routes.
func NewServer(host string, port int, eng Engine, st Store, em EmergencyController, adminIDs map[string]bool) *Server {
	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
		ReadTimeout:           10 * time.Second,
		WriteTimeout:          10 * time.Second,
	})

	s := &Server{
		app:       app,
		engine:    eng,
		store:     st,
		emergency: em,
		adminIDs:  adminIDs,
		host:      host,
		port:      port,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok", "time": time.Now().Unix()})
	})

	s.app.Post("/open", s.handleOpen)
	s.app.Post("/close", s.handleClose)
	s.app.Get("/status", s.handleStatus)
	s.app.Get("/positions", s.handlePositions)
	s.app.Get("/history", s.handleHistory)
	s.app.Post("/reconcile", s.handleReconcile)
	s.app.Post("/emergency-stop", s.handleEmergencyStop)
	s.app.Post("/resume", s.handleResume)
	s.app.Post("/pause-token", s.handlePauseToken)
	s.app.Post("/resume-token", s.handleResumeToken)
}

func (s *Server) requireAdmin(c *fiber.Ctx) (string, bool) {
	adminID := c.Get("X-Admin-ID")
	if adminID == "" || !s.adminIDs[adminID] {
		c.Status(403).JSON(fiber.Map{"error": "admin authorization required"})
		return "", false
	}
	return adminID, true
}

type openPayload struct {
	Mint           string   `json:"mint"`
	Symbol         string   `json:"symbol"`
	AmountUSD      float64  `json:"amount_usd"`
	SentimentGrade string   `json:"sentiment_grade"`
	SentimentScore float64  `json:"sentiment_score"`
	SlippageBps    int      `json:"slippage_bps"`
	CustomTP       *float64 `json:"custom_tp,omitempty"`
	CustomSL       *float64 `json:"custom_sl,omitempty"`
}

func (s *Server) handleOpen(c *fiber.Ctx) error {
	adminID, ok := s.requireAdmin(c)
	if !ok {
		return nil
	}

	var payload openPayload
	if err := c.BodyParser(&payload); err != nil {
		log.Error().Err(err).Msg("failed to parse open payload")
		return c.Status(400).JSON(fiber.Map{"error": "invalid payload"})
	}
	if payload.SlippageBps == 0 {
		payload.SlippageBps = 100
	}
	if payload.Mint == "" && payload.Symbol != "" && s.resolver != nil {
		mint, err := s.resolver.Resolve(payload.Symbol)
		if err != nil {
			return c.Status(400).JSON(fiber.Map{"error": fmt.Sprintf("could not resolve %q: %v", payload.Symbol, err)})
		}
		payload.Mint = mint
	}

	req := engine.OpenRequest{
		Mint:           payload.Mint,
		Symbol:         payload.Symbol,
		AmountUSD:      payload.AmountUSD,
		SentimentGrade: payload.SentimentGrade,
		SentimentScore: payload.SentimentScore,
		SlippageBps:    payload.SlippageBps,
		CustomTP:       payload.CustomTP,
		CustomSL:       payload.CustomSL,
	}

	admitted, message, pos, err := s.engine.OpenPosition(c.Context(), req, adminID)
	if err != nil {
		log.Error().Err(err).Str("mint", payload.Mint).Msg("open_position failed")
		return c.Status(500).JSON(fiber.Map{"error": err.Error()})
	}
	return c.JSON(fiber.Map{"admitted": admitted, "message": message, "position": pos})
}

type closePayload struct {
	PositionID  string `json:"position_id"`
	Reason      string `json:"reason"`
	SlippageBps int    `json:"slippage_bps"`
}

func (s *Server) handleClose(c *fiber.Ctx) error {
	adminID, ok := s.requireAdmin(c)
	if !ok {
		return nil
	}

	var payload closePayload
	if err := c.BodyParser(&payload); err != nil {
		return c.Status(400).JSON(fiber.Map{"error": "invalid payload"})
	}
	if payload.Reason == "" {
		payload.Reason = string(domain.CloseReasonManual)
	}
	if payload.SlippageBps == 0 {
		payload.SlippageBps = 100
	}

	ok2, message, err := s.engine.ClosePosition(c.Context(), payload.PositionID, adminID, payload.Reason, payload.SlippageBps)
	if err != nil {
		log.Error().Err(err).Str("position_id", payload.PositionID).Msg("close_position failed")
		return c.Status(500).JSON(fiber.Map{"error": err.Error()})
	}
	return c.JSON(fiber.Map{"success": ok2, "message": message})
}

func (s *Server) handleStatus(c *fiber.Ctx) error {
	solBalance, usdValue, err := s.engine.GetPortfolioValue(c.Context())
	if err != nil {
		log.Error().Err(err).Msg("get_portfolio_value failed")
		return c.Status(500).JSON(fiber.Map{"error": err.Error()})
	}
	return c.JSON(fiber.Map{
		"sol_balance": solBalance,
		"usd_value":   usdValue,
		"emergency":   s.emergency.State(),
		"open_count":  len(s.store.OpenPositions()),
	})
}

func (s *Server) handlePositions(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"positions": s.store.OpenPositions()})
}

func (s *Server) handleHistory(c *fiber.Ctx) error {
	limit := c.QueryInt("limit", 50)
	return c.JSON(fiber.Map{"history": s.store.History(limit)})
}

func (s *Server) handleReconcile(c *fiber.Ctx) error {
	if _, ok := s.requireAdmin(c); !ok {
		return nil
	}
	report, err := s.engine.ReconcileWithOnchain(c.Context())
	if err != nil {
		log.Error().Err(err).Msg("reconcile failed")
		return c.Status(500).JSON(fiber.Map{"error": err.Error()})
	}
	return c.JSON(fiber.Map{"reconciliation": report})
}

type emergencyStopPayload struct {
	Level   string `json:"level"` // SOFT_STOP | HARD_STOP | KILL_SWITCH
	Reason  string `json:"reason"`
	Unwind  string `json:"unwind,omitempty"`
}

func (s *Server) handleEmergencyStop(c *fiber.Ctx) error {
	adminID, ok := s.requireAdmin(c)
	if !ok {
		return nil
	}

	var payload emergencyStopPayload
	if err := c.BodyParser(&payload); err != nil {
		return c.Status(400).JSON(fiber.Map{"error": "invalid payload"})
	}
	strategy := domain.UnwindStrategy(payload.Unwind)
	if strategy == "" {
		strategy = domain.UnwindGraceful
	}

	var err error
	switch payload.Level {
	case "SOFT_STOP":
		err = s.emergency.ActivateSoftStop(payload.Reason, adminID)
	case "HARD_STOP":
		err = s.emergency.ActivateHardStop(payload.Reason, adminID, strategy)
	case "KILL_SWITCH":
		err = s.emergency.ActivateKillSwitch(payload.Reason, adminID, strategy)
	default:
		return c.Status(400).JSON(fiber.Map{"error": "level must be SOFT_STOP, HARD_STOP, or KILL_SWITCH"})
	}
	if err != nil {
		log.Error().Err(err).Str("level", payload.Level).Msg("emergency-stop activation failed")
		return c.Status(500).JSON(fiber.Map{"error": err.Error()})
	}
	return c.JSON(fiber.Map{"state": s.emergency.State()})
}

func (s *Server) handleResume(c *fiber.Ctx) error {
	adminID, ok := s.requireAdmin(c)
	if !ok {
		return nil
	}
	if err := s.emergency.ResumeTrading(adminID); err != nil {
		return c.Status(500).JSON(fiber.Map{"error": err.Error()})
	}
	return c.JSON(fiber.Map{"state": s.emergency.State()})
}

type tokenPayload struct {
	Mint   string `json:"mint"`
	Reason string `json:"reason,omitempty"`
}

func (s *Server) handlePauseToken(c *fiber.Ctx) error {
	adminID, ok := s.requireAdmin(c)
	if !ok {
		return nil
	}
	var payload tokenPayload
	if err := c.BodyParser(&payload); err != nil {
		return c.Status(400).JSON(fiber.Map{"error": "invalid payload"})
	}
	if err := s.emergency.PauseToken(payload.Mint, payload.Reason, adminID); err != nil {
		return c.Status(500).JSON(fiber.Map{"error": err.Error()})
	}
	return c.JSON(fiber.Map{"state": s.emergency.State()})
}

func (s *Server) handleResumeToken(c *fiber.Ctx) error {
	if _, ok := s.requireAdmin(c); !ok {
		return nil
	}
	var payload tokenPayload
	if err := c.BodyParser(&payload); err != nil {
		return c.Status(400).JSON(fiber.Map{"error": "invalid payload"})
	}
	wasPaused, err := s.emergency.ResumeToken(payload.Mint)
	if err != nil {
		return c.Status(500).JSON(fiber.Map{"error": err.Error()})
	}
	return c.JSON(fiber.Map{"was_paused": wasPaused})
}

// Start runs the HTTP server, blocking until it stops or fails.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.host, s.port)
	log.Info().Str("addr", addr).Msg("starting command surface")
	return s.app.Listen(addr)
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown() error {
	return s.app.Shutdown()
}
