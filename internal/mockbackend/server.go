// Package mockbackend is an in-memory implementation of the chat REST
// backend, used for local development and end-to-end tests.
package mockbackend

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"chatdesk/internal/api"
)

// ReplyMode controls when the assistant answer to a sent message appears.
type ReplyMode string

const (
	// ReplyEmbedded returns the answer in the send response.
	ReplyEmbedded ReplyMode = "embedded"
	// ReplyAsync stores the answer after ReplyDelay; clients must poll.
	ReplyAsync ReplyMode = "async"
	// ReplyNever drops the answer.
	ReplyNever ReplyMode = "never"
)

func ParseReplyMode(v string) (ReplyMode, error) {
	switch m := ReplyMode(strings.ToLower(strings.TrimSpace(v))); m {
	case ReplyEmbedded, ReplyAsync, ReplyNever:
		return m, nil
	case "":
		return ReplyAsync, nil
	}
	return "", fmt.Errorf("unknown reply mode %q", v)
}

type Config struct {
	JWTSecret  string
	TokenTTL   time.Duration
	ReplyMode  ReplyMode
	ReplyDelay time.Duration
	// Models are the plan models granted to every account.
	Models []string
	// SeedUser and SeedPassword create a ready-to-use account when set.
	SeedUser     string
	SeedPassword string
	// BasePath prefixes every API route. Defaults to /api.
	BasePath string
	Now      func() time.Time
	Logger   zerolog.Logger
}

type Server struct {
	cfg    Config
	state  *state
	tokens *tokenIssuer
	engine *gin.Engine

	timersMu sync.Mutex
	timers   []*time.Timer
	closed   bool
}

func New(cfg Config) *Server {
	if cfg.ReplyMode == "" {
		cfg.ReplyMode = ReplyAsync
	}
	if cfg.ReplyDelay < 0 {
		cfg.ReplyDelay = 0
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.BasePath == "" {
		cfg.BasePath = "/api"
	}
	if len(cfg.Models) == 0 {
		cfg.Models = []string{"gemini-2.0-flash", "gpt-4o-mini", "claude-3-haiku"}
	}
	s := &Server{
		cfg:    cfg,
		state:  newState(),
		tokens: newTokenIssuer(cfg.JWTSecret, cfg.TokenTTL),
	}
	s.state.plans = seedPlans(s.now())
	if cfg.SeedUser != "" {
		_, err := s.state.addAccount(api.RegisterRequest{
			FirstName: "Demo",
			LastName:  "User",
			UserName:  cfg.SeedUser,
			Email:     cfg.SeedUser + "@example.com",
			Password:  cfg.SeedPassword,
		}, cfg.Models, s.now())
		if err != nil {
			cfg.Logger.Warn().Err(err).Msg("seed account not created")
		}
	}
	s.engine = s.routes()
	return s
}

func (s *Server) now() time.Time {
	return s.cfg.Now().UTC()
}

// Handler exposes the routes, for httptest servers.
func (s *Server) Handler() http.Handler {
	return s.engine
}

func (s *Server) routes() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), s.requestLog())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	root := r.Group(s.cfg.BasePath)
	authGroup := root.Group("/Auth")
	{
		authGroup.POST("/login", s.login)
		authGroup.POST("/register", s.register)
		authGroup.POST("/refresh-token", s.refreshToken)
	}

	guarded := root.Group("", s.requireAuth())

	sessions := guarded.Group("/ChatSession")
	{
		sessions.GET("", s.listSessions)
		sessions.POST("", s.createSession)
		sessions.GET("/active", s.activeSessions)
		sessions.GET("/search", s.searchSessions)
		sessions.GET("/date-range", s.sessionsBetween)
		sessions.PUT("/Session/Update", s.renameSession)
		sessions.PUT("/Session/Model/Update", s.changeSessionModel)
		sessions.POST("/clone/:id", s.cloneSession)
		sessions.GET("/:id", s.getSession)
		sessions.DELETE("/:id", s.deleteSession)
		sessions.DELETE("/:id/soft", s.softDeleteSession)
	}

	messages := guarded.Group("/ChatMessage")
	{
		messages.POST("/send", s.sendMessage)
		messages.DELETE("/bulk", s.bulkDeleteMessages)
		messages.GET("/session/:id", s.sessionMessages)
		messages.DELETE("/session/:id", s.clearSessionMessages)
		messages.GET("/session/:id/count", s.countSessionMessages)
		messages.GET("/session/:id/stats", s.sessionStats)
		messages.GET("/session/:id/search", s.searchSessionMessages)
		messages.GET("/session/:id/sender/:type", s.messagesBySender)
		messages.GET("/:id", s.getMessage)
		messages.DELETE("/:id", s.deleteMessage)
	}

	guarded.GET("/Plan", s.listPlans)
	guarded.GET("/Plan/:id", s.getPlan)
	guarded.GET("/PlanUser/plan-models", s.planModels)
	return r
}

func (s *Server) requestLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.cfg.Logger.Debug().
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Dur("duration", time.Since(start)).
			Msg("mock request")
	}
}

// Start serves on addr until ctx is cancelled.
func (s *Server) Start(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		s.Close()
	}()
	s.cfg.Logger.Info().Str("addr", addr).Str("reply_mode", string(s.cfg.ReplyMode)).Msg("mock backend started")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("mock backend: %w", err)
	}
	return nil
}

// Close cancels pending asynchronous replies.
func (s *Server) Close() {
	s.timersMu.Lock()
	defer s.timersMu.Unlock()
	s.closed = true
	for _, t := range s.timers {
		t.Stop()
	}
	s.timers = nil
}

func (s *Server) later(d time.Duration, fn func()) {
	s.timersMu.Lock()
	defer s.timersMu.Unlock()
	if s.closed {
		return
	}
	s.timers = append(s.timers, time.AfterFunc(d, fn))
}

func seedPlans(now time.Time) []api.PlanResponse {
	discount := decimal.NewFromInt(20)
	return []api.PlanResponse{
		{
			ID: "plan-free", Name: "Free", Description: "Try the assistant", Duration: 2,
			Price: decimal.Zero, IsActive: true, DisplayOrder: 1, ColorCode: "#9e9e9e",
			Models:                 json.RawMessage(`"[\"gemini-2.0-flash\"]"`),
			MonthlyInputTokenLimit: 50000, CreatedDate: api.NewTime(now),
		},
		{
			ID: "plan-mid", Name: "Mid", Description: "For daily use", Duration: 2,
			Price: decimal.RequireFromString("199.90"), DiscountRate: &discount, IsActive: true,
			DisplayOrder: 2, ColorCode: "#3f51b5",
			Models:                 json.RawMessage(`["gemini-2.0-flash","gpt-4o-mini","claude-3-haiku"]`),
			MonthlyInputTokenLimit: 1500000, MonthlyImageLimit: 100, MonthlyAudioMinutesLimit: 60,
			CreatedDate: api.NewTime(now),
		},
		{
			ID: "plan-enterprise", Name: "Enterprise", Description: "Teams and heavy usage", Duration: 3,
			Price: decimal.RequireFromString("9999"), IsActive: true, DisplayOrder: 3, ColorCode: "#212121",
			Models:                json.RawMessage(`[{"name":"claude-4-sonnet","priority":1},{"name":"gpt-4o-mini","priority":2}]`),
			YearlyInputTokenLimit: 250000000, YearlyImageLimit: 5000, CreatedDate: api.NewTime(now),
		},
		{
			ID: "plan-legacy", Name: "Legacy", Duration: 1, Price: decimal.NewFromInt(10),
			IsActive: false, DisplayOrder: 9, CreatedDate: api.NewTime(now),
		},
	}
}
