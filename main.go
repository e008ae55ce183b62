package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/subosito/gotenv"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/satriahrh/skincarebot/adapters/hasher"
	httpadapter "github.com/satriahrh/skincarebot/adapters/http"
	"github.com/satriahrh/skincarebot/adapters/imagecodec"
	"github.com/satriahrh/skincarebot/adapters/llm"
	"github.com/satriahrh/skincarebot/adapters/message_broker"
	"github.com/satriahrh/skincarebot/adapters/tts"
	"github.com/satriahrh/skincarebot/adapters/websocket"
	"github.com/satriahrh/skincarebot/config"
	"github.com/satriahrh/skincarebot/domain"
	"github.com/satriahrh/skincarebot/usecase"
	"github.com/satriahrh/skincarebot/utils/log"
)

func main() {
	gotenv.Load()
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		var cfgErr *domain.ConfigError
		if errors.As(err, &cfgErr) {
			log.With().Error("Cannot start: fix the configuration and restart", zap.Error(err))
		} else {
			log.With().Error("Server stopped with error", zap.Error(err))
		}
		log.Sync()
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if cfg.UsingDevSecret() {
		log.With().Warn("SESSION_SECRET not set, using the development secret")
	}

	geminiLlm, err := llm.NewGeminiClient(ctx, cfg.Gemini, cfg.GenerationTimeout)
	if err != nil {
		return err
	}

	var synthesizer domain.Synthesizer
	if cfg.TTSEnabled {
		googleTTS, err := tts.NewGoogleTTS(ctx, cfg.TTSLanguage)
		if err != nil {
			return err
		}
		defer googleTTS.Close()
		synthesizer = googleTTS
	}

	broker := message_broker.NewChannelMessageBroker()
	defer broker.Close()

	controller := usecase.NewTurnController(
		geminiLlm,
		imagecodec.New(cfg.ThumbnailSize, cfg.MaxUploadBytes, cfg.MaxImagePixels),
		hasher.New(),
		broker,
		usecase.TurnOptions{
			ImagePrompt:      cfg.ImagePrompt,
			ImagePlaceholder: cfg.ImagePlaceholder,
		},
	)
	sessions := usecase.NewSessionService(cfg.HistoryMaxTurns, cfg.SessionTTL)
	go sessions.Run(ctx, time.Minute)

	server := websocket.NewServer(controller, broker, cfg.MaxRequestBytes())
	go func() {
		if err := server.RunEventListener(ctx); err != nil {
			log.WithCtx(ctx).Error("Conversation event listener failed", zap.Error(err))
		}
	}()

	chatHandler := httpadapter.NewChatHandler(sessions, controller, server.GetHub(), httpadapter.Options{
		Secret:      cfg.SessionSecret,
		TokenTTL:    cfg.SessionTTL,
		MaxUpload:   cfg.MaxUploadBytes,
		Synthesizer: synthesizer,
	})

	e := echo.New()
	e.HideBanner = true

	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.Secure())
	e.Use(middleware.RateLimiter(middleware.NewRateLimiterMemoryStore(rate.Limit(cfg.RateLimit))))

	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{echo.GET, echo.POST, echo.DELETE, echo.OPTIONS},
		AllowHeaders: []string{
			echo.HeaderOrigin,
			echo.HeaderContentType,
			echo.HeaderAccept,
			echo.HeaderAuthorization,
			"If-None-Match",
		},
		MaxAge: 86400,
	}))

	// Base64 uploads plus envelope, rounded up to KiB
	e.Use(middleware.BodyLimit(fmt.Sprintf("%dK", (cfg.MaxRequestBytes()+1023)/1024)))

	wsGroup := e.Group("/ws")
	wsGroup.Use(chatHandler.SessionMiddleware)
	wsGroup.GET("", server.Handler)

	chatHandler.RegisterRoutes(e.Group("/api/v1"))

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := e.Shutdown(shutdownCtx); err != nil {
			log.With().Error("Shutdown failed", zap.Error(err))
		}
	}()

	log.With().Info("Starting server",
		zap.String("addr", cfg.Addr()),
		zap.String("model", geminiLlm.Model()),
		zap.Bool("tts", synthesizer != nil))
	log.With().Info("Available endpoints: " +
		"GET /api/v1/health, POST /api/v1/sessions, " +
		"GET|POST|DELETE /api/v1/chat/messages, POST /api/v1/chat/image, GET /api/v1/chat/state, " +
		"GET /api/v1/chat/messages/:index/(image|speech), GET /ws")

	if err := e.Start(cfg.Addr()); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
