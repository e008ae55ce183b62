package http

import (
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/satriahrh/skincarebot/adapters/imagecodec"
	"github.com/satriahrh/skincarebot/adapters/websocket"
	"github.com/satriahrh/skincarebot/domain"
	"github.com/satriahrh/skincarebot/usecase"
	"github.com/satriahrh/skincarebot/utils/log"
)

const (
	// MaxConcurrent bounds in-flight requests across all sessions.
	MaxConcurrent = 10

	tokenIssuer = "skincarebot"
)

type ChatHandler struct {
	sessions    *usecase.SessionService
	controller  *usecase.TurnController
	synthesizer domain.Synthesizer
	wsHub       *websocket.Hub
	jwtSecret   []byte
	tokenTTL    time.Duration
	maxUpload   int64
}

type Options struct {
	Secret    string
	TokenTTL  time.Duration
	MaxUpload int64
	// Synthesizer is optional; without it the speech endpoint answers 404.
	Synthesizer domain.Synthesizer
}

// SessionClaims binds a bearer token to one Session.
type SessionClaims struct {
	SessionID string `json:"session_id"`
	jwt.RegisteredClaims
}

type SessionResponse struct {
	Token     string    `json:"token"`
	Type      string    `json:"type"`
	SessionID string    `json:"session_id"`
	ExpiresAt time.Time `json:"expires_at"`
}

type TranscriptResponse struct {
	SessionID string            `json:"session_id"`
	Count     int               `json:"count"`
	Turns     []domain.TurnView `json:"turns"`
}

type SubmitRequest struct {
	Text  string `json:"text" form:"text"`
	Image string `json:"image" form:"-"` // base64, JSON bodies only
}

type SubmitResponse struct {
	User      domain.TurnView `json:"user"`
	Assistant domain.TurnView `json:"assistant"`
	Error     string          `json:"error,omitempty"`
	Discarded bool            `json:"discarded,omitempty"`
}

type StateResponse struct {
	SessionID    string `json:"session_id"`
	State        string `json:"state"`
	PendingImage bool   `json:"pending_image"`
	Draft        string `json:"draft,omitempty"`
	Turns        int    `json:"turns"`
	Model        string `json:"model"`
}

func NewChatHandler(sessions *usecase.SessionService, controller *usecase.TurnController, wsHub *websocket.Hub, opts Options) *ChatHandler {
	return &ChatHandler{
		sessions:    sessions,
		controller:  controller,
		synthesizer: opts.Synthesizer,
		wsHub:       wsHub,
		jwtSecret:   []byte(opts.Secret),
		tokenTTL:    opts.TokenTTL,
		maxUpload:   opts.MaxUpload,
	}
}

// RegisterRoutes mounts the chat API on api, normally "/api/v1".
func (h *ChatHandler) RegisterRoutes(api *echo.Group) {
	api.GET("/health", h.HealthCheck)
	api.POST("/sessions", h.CreateSession)

	chat := api.Group("/chat")
	chat.Use(h.SessionMiddleware)
	chat.Use(h.RateLimitMiddleware)

	chat.GET("/messages", h.GetMessages)
	chat.POST("/messages", h.PostMessage)
	chat.DELETE("/messages", h.ClearMessages)
	chat.GET("/messages/:index/image", h.GetTurnImage)
	chat.GET("/messages/:index/speech", h.GetTurnSpeech)
	chat.POST("/image", h.AttachImage)
	chat.GET("/state", h.GetState)
}

// CreateSession opens a Session and returns the token that addresses it.
func (h *ChatHandler) CreateSession(c echo.Context) error {
	ctx := log.WithRemoteIP(c.Request().Context(), c.RealIP())
	session := h.sessions.Open(ctx)

	now := time.Now()
	expiresAt := now.Add(h.tokenTTL)
	claims := &SessionClaims{
		SessionID: session.ID,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    tokenIssuer,
			Subject:   session.ID,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, err := token.SignedString(h.jwtSecret)
	if err != nil {
		h.sessions.Close(session.ID)
		log.WithCtx(ctx).Error("Error signing session token", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "Failed to create session")
	}

	return c.JSON(http.StatusCreated, SessionResponse{
		Token:     tokenString,
		Type:      "Bearer",
		SessionID: session.ID,
		ExpiresAt: expiresAt.UTC(),
	})
}

// SessionMiddleware resolves the bearer token (header, or "token" query for
// browser WebSockets) to a live Session.
func (h *ChatHandler) SessionMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		tokenString := c.QueryParam("token")
		if authHeader := c.Request().Header.Get("Authorization"); authHeader != "" {
			tokenString = strings.TrimPrefix(authHeader, "Bearer ")
			if tokenString == authHeader {
				return echo.NewHTTPError(http.StatusUnauthorized, "Invalid authorization format")
			}
		}
		if tokenString == "" {
			return echo.NewHTTPError(http.StatusUnauthorized, "Missing session token")
		}

		token, err := jwt.ParseWithClaims(tokenString, &SessionClaims{}, func(token *jwt.Token) (interface{}, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
			}
			return h.jwtSecret, nil
		}, jwt.WithIssuer(tokenIssuer))
		if err != nil {
			log.WithCtx(c.Request().Context()).Debug("Session token rejected", zap.Error(err))
			return echo.NewHTTPError(http.StatusUnauthorized, "Invalid session token")
		}

		claims, ok := token.Claims.(*SessionClaims)
		if !ok || !token.Valid {
			return echo.NewHTTPError(http.StatusUnauthorized, "Invalid session token claims")
		}

		session, err := h.sessions.Get(claims.SessionID)
		if err != nil {
			return echo.NewHTTPError(http.StatusUnauthorized, "Session expired")
		}

		ctx := log.WithSession(c.Request().Context(), session.ID)
		ctx = log.WithRemoteIP(ctx, c.RealIP())
		c.SetRequest(c.Request().WithContext(ctx))
		c.Set(websocket.SessionContextKey, session)
		return next(c)
	}
}

// RateLimitMiddleware caps concurrent requests.
func (h *ChatHandler) RateLimitMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	semaphore := make(chan struct{}, MaxConcurrent)
	return func(c echo.Context) error {
		select {
		case semaphore <- struct{}{}:
			defer func() { <-semaphore }()
			return next(c)
		default:
			return echo.NewHTTPError(http.StatusTooManyRequests, "Too many concurrent requests")
		}
	}
}

func (h *ChatHandler) GetMessages(c echo.Context) error {
	session := sessionFrom(c)
	turns := session.Transcript()

	views := make([]domain.TurnView, len(turns))
	for i, t := range turns {
		views[i] = t.View(i)
	}

	return c.JSON(http.StatusOK, TranscriptResponse{
		SessionID: session.ID,
		Count:     len(views),
		Turns:     views,
	})
}

// PostMessage attaches the optional image and submits a turn. A failed
// generation still answers 200: the error is part of the transcript.
func (h *ChatHandler) PostMessage(c echo.Context) error {
	session := sessionFrom(c)
	ctx := c.Request().Context()

	var req SubmitRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid request body")
	}

	data, err := h.upload(c, req.Image)
	if err != nil {
		return toHTTPError(err)
	}
	if data != nil {
		if _, err := h.controller.Attach(ctx, session, data); err != nil {
			return toHTTPError(err)
		}
	}

	res, err := h.controller.Submit(ctx, session, req.Text)
	if err != nil {
		return toHTTPError(err)
	}

	resp := SubmitResponse{
		User:      res.User.View(res.UserIndex),
		Assistant: res.Assistant.View(res.AssistantIndex),
		Discarded: res.Discarded,
	}
	if res.Err != nil {
		resp.Error = res.Err.Error()
	}
	return c.JSON(http.StatusOK, resp)
}

func (h *ChatHandler) AttachImage(c echo.Context) error {
	session := sessionFrom(c)

	var req SubmitRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid request body")
	}

	data, err := h.upload(c, req.Image)
	if err != nil {
		return toHTTPError(err)
	}
	if data == nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Missing image")
	}

	preview, err := h.controller.Attach(c.Request().Context(), session, data)
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, preview)
}

func (h *ChatHandler) ClearMessages(c echo.Context) error {
	h.controller.Clear(c.Request().Context(), sessionFrom(c))
	return c.NoContent(http.StatusNoContent)
}

func (h *ChatHandler) GetState(c echo.Context) error {
	session := sessionFrom(c)
	return c.JSON(http.StatusOK, StateResponse{
		SessionID:    session.ID,
		State:        session.State().String(),
		PendingImage: session.HasPendingImage(),
		Draft:        session.Draft(),
		Turns:        session.TurnCount(),
		Model:        h.controller.Model(),
	})
}

// GetTurnImage serves a turn's thumbnail as PNG, keyed by its image ID.
func (h *ChatHandler) GetTurnImage(c echo.Context) error {
	turn, err := turnFrom(c)
	if err != nil {
		return err
	}
	if !turn.HasImage() {
		return echo.NewHTTPError(http.StatusNotFound, "Turn has no image")
	}

	etag := `"` + turn.ImageID + `"`
	if c.Request().Header.Get("If-None-Match") == etag {
		return c.NoContent(http.StatusNotModified)
	}

	data, err := imagecodec.Decode(turn.Thumbnail)
	if err != nil {
		return toHTTPError(err)
	}
	c.Response().Header().Set("ETag", etag)
	c.Response().Header().Set("Cache-Control", "private, max-age=3600")
	return c.Blob(http.StatusOK, "image/png", data)
}

// GetTurnSpeech reads an assistant turn aloud.
func (h *ChatHandler) GetTurnSpeech(c echo.Context) error {
	if h.synthesizer == nil {
		return echo.NewHTTPError(http.StatusNotFound, "Speech is disabled")
	}

	turn, err := turnFrom(c)
	if err != nil {
		return err
	}
	if turn.Role != domain.AssistantRole {
		return echo.NewHTTPError(http.StatusBadRequest, "Only assistant turns can be read aloud")
	}

	audio, err := h.synthesizer.Synthesize(c.Request().Context(), turn.Text)
	if err != nil {
		log.WithCtx(c.Request().Context()).Error("Speech synthesis failed", zap.Error(err))
		return echo.NewHTTPError(http.StatusBadGateway, "Speech synthesis failed")
	}
	return c.Blob(http.StatusOK, "audio/mpeg", audio)
}

// Health check endpoint
func (h *ChatHandler) HealthCheck(c echo.Context) error {
	resp := map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
		"service":   "skincare-chat",
		"model":     h.controller.Model(),
		"sessions":  h.sessions.Count(),
	}
	if h.wsHub != nil {
		resp["ws_clients"] = h.wsHub.ClientCount()
	}
	return c.JSON(http.StatusOK, resp)
}

// upload returns the request's image: the multipart "image" file, else the
// base64 JSON field, else nil.
func (h *ChatHandler) upload(c echo.Context, encoded string) ([]byte, error) {
	fh, err := c.FormFile("image")
	switch {
	case err == nil:
		return h.readFile(fh)
	case !errors.Is(err, http.ErrMissingFile) && !errors.Is(err, http.ErrNotMultipart):
		return nil, echo.NewHTTPError(http.StatusBadRequest, "Invalid image upload")
	}

	if encoded == "" {
		return nil, nil
	}
	return imagecodec.Decode(encoded)
}

func (h *ChatHandler) readFile(fh *multipart.FileHeader) ([]byte, error) {
	f, err := fh.Open()
	if err != nil {
		return nil, fmt.Errorf("open upload: %w", err)
	}
	defer f.Close()

	r := io.Reader(f)
	if h.maxUpload > 0 {
		// One byte past the limit lets the codec report the oversize.
		r = io.LimitReader(f, h.maxUpload+1)
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read upload: %w", err)
	}
	return data, nil
}

func sessionFrom(c echo.Context) *usecase.Session {
	return c.Get(websocket.SessionContextKey).(*usecase.Session)
}

func turnFrom(c echo.Context) (domain.Turn, error) {
	index, err := strconv.Atoi(c.Param("index"))
	if err != nil {
		return domain.Turn{}, echo.NewHTTPError(http.StatusBadRequest, "Invalid turn index")
	}
	turn, ok := sessionFrom(c).TurnAt(index)
	if !ok {
		return domain.Turn{}, echo.NewHTTPError(http.StatusNotFound, "Turn not found")
	}
	return turn, nil
}

func toHTTPError(err error) error {
	var httpErr *echo.HTTPError
	switch {
	case errors.As(err, &httpErr):
		return httpErr
	case domain.IsImageDecodeError(err):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, domain.ErrNothingToSubmit):
		return echo.NewHTTPError(http.StatusBadRequest, "Type a message or attach an image")
	case errors.Is(err, domain.ErrBusy):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, domain.ErrSessionNotFound):
		return echo.NewHTTPError(http.StatusUnauthorized, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error()).SetInternal(err)
	}
}
