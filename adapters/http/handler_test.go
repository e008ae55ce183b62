package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"image"
	"image/color"
	"image/png"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/satriahrh/skincarebot/adapters/hasher"
	"github.com/satriahrh/skincarebot/adapters/imagecodec"
	"github.com/satriahrh/skincarebot/domain"
	"github.com/satriahrh/skincarebot/usecase"
)

type fakeLlm struct {
	reply string
	err   error
}

func (f *fakeLlm) Generate(ctx context.Context, parts []domain.Part) (string, error) {
	return f.reply, f.err
}

func (f *fakeLlm) Model() string { return "fake-model" }

type fakeSynthesizer struct{}

func (fakeSynthesizer) Synthesize(ctx context.Context, text string) ([]byte, error) {
	return []byte("ID3" + text), nil
}

type testServer struct {
	e        *echo.Echo
	sessions *usecase.SessionService
}

func newTestServer(t *testing.T, llm domain.Llm, synth domain.Synthesizer) *testServer {
	t.Helper()
	return newTestServerWithHistory(t, llm, synth, 0)
}

func newTestServerWithHistory(t *testing.T, llm domain.Llm, synth domain.Synthesizer, maxTurns int) *testServer {
	t.Helper()

	controller := usecase.NewTurnController(llm, imagecodec.New(200, 1<<20, 0), hasher.New(), nil, usecase.TurnOptions{
		ImagePrompt:      "Describe this skin image.",
		ImagePlaceholder: "image submitted",
	})
	sessions := usecase.NewSessionService(maxTurns, time.Hour)
	handler := NewChatHandler(sessions, controller, nil, Options{
		Secret:      "test-secret",
		TokenTTL:    time.Hour,
		MaxUpload:   1 << 20,
		Synthesizer: synth,
	})

	e := echo.New()
	handler.RegisterRoutes(e.Group("/api/v1"))
	return &testServer{e: e, sessions: sessions}
}

func (s *testServer) do(t *testing.T, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	s.e.ServeHTTP(rec, req)
	return rec
}

func (s *testServer) session(t *testing.T) SessionResponse {
	t.Helper()
	rec := s.do(t, httptest.NewRequest(http.MethodPost, "/api/v1/sessions", nil))
	require.Equal(t, http.StatusCreated, rec.Code)

	var resp SessionResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.Token)
	return resp
}

func authed(req *http.Request, token string) *http.Request {
	req.Header.Set("Authorization", "Bearer "+token)
	return req
}

func jsonRequest(t *testing.T, method, path string, body any) *http.Request {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(method, path, bytes.NewReader(data))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	return req
}

func multipartRequest(t *testing.T, path, text string, image []byte) *http.Request {
	t.Helper()
	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	if text != "" {
		require.NoError(t, w.WriteField("text", text))
	}
	if image != nil {
		part, err := w.CreateFormFile("image", "skin.png")
		require.NoError(t, err)
		_, err = part.Write(image)
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())

	req := httptest.NewRequest(http.MethodPost, path, &body)
	req.Header.Set(echo.HeaderContentType, w.FormDataContentType())
	return req
}

func testPNG(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 400, 300))
	img.Set(10, 10, color.RGBA{R: 255, A: 255})
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func transcript(t *testing.T, s *testServer, token string) TranscriptResponse {
	t.Helper()
	rec := s.do(t, authed(httptest.NewRequest(http.MethodGet, "/api/v1/chat/messages", nil), token))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp TranscriptResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

func TestHealthCheck(t *testing.T) {
	s := newTestServer(t, &fakeLlm{reply: "ok"}, nil)

	rec := s.do(t, httptest.NewRequest(http.MethodGet, "/api/v1/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "fake-model")
}

func TestChatRequiresSessionToken(t *testing.T) {
	s := newTestServer(t, &fakeLlm{reply: "ok"}, nil)

	rec := s.do(t, httptest.NewRequest(http.MethodGet, "/api/v1/chat/messages", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = s.do(t, authed(httptest.NewRequest(http.MethodGet, "/api/v1/chat/messages", nil), "garbage"))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	sess := s.session(t)
	s.sessions.Close(sess.SessionID)
	rec = s.do(t, authed(httptest.NewRequest(http.MethodGet, "/api/v1/chat/messages", nil), sess.Token))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestTokenInQuery(t *testing.T) {
	s := newTestServer(t, &fakeLlm{reply: "ok"}, nil)
	sess := s.session(t)

	rec := s.do(t, httptest.NewRequest(http.MethodGet, "/api/v1/chat/state?token="+sess.Token, nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestPostTextMessage(t *testing.T) {
	s := newTestServer(t, &fakeLlm{reply: "Moisturize twice a day."}, nil)
	sess := s.session(t)

	rec := s.do(t, authed(jsonRequest(t, http.MethodPost, "/api/v1/chat/messages", SubmitRequest{Text: "dry skin tips"}), sess.Token))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp SubmitResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "dry skin tips", resp.User.Text)
	assert.Equal(t, 0, resp.User.Index)
	assert.Equal(t, "Moisturize twice a day.", resp.Assistant.Text)
	assert.Equal(t, 1, resp.Assistant.Index)
	assert.Empty(t, resp.Error)

	tr := transcript(t, s, sess.Token)
	require.Equal(t, 2, tr.Count)
	assert.Equal(t, domain.UserRole, tr.Turns[0].Role)
	assert.Equal(t, domain.AssistantRole, tr.Turns[1].Role)
	assert.Regexp(t, regexp.MustCompile(`^\d{2}:\d{2}$`), tr.Turns[0].Time)
}

func TestPostMessageIndexesWithHistoryWindow(t *testing.T) {
	s := newTestServerWithHistory(t, &fakeLlm{reply: "ok"}, nil, 1)
	sess := s.session(t)

	rec := s.do(t, authed(jsonRequest(t, http.MethodPost, "/api/v1/chat/messages", SubmitRequest{Text: "hi"}), sess.Token))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp SubmitResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, -1, resp.User.Index, "user turn was evicted by the reply")
	assert.Equal(t, 0, resp.Assistant.Index)

	tr := transcript(t, s, sess.Token)
	require.Equal(t, 1, tr.Count)
	assert.Equal(t, domain.AssistantRole, tr.Turns[resp.Assistant.Index].Role)
}

func TestPostImageOnlyWithFailure(t *testing.T) {
	s := newTestServer(t, &fakeLlm{err: &domain.GenerationError{Reason: domain.ReasonNetwork, Err: errors.New("no route to host")}}, nil)
	sess := s.session(t)

	rec := s.do(t, authed(multipartRequest(t, "/api/v1/chat/messages", "", testPNG(t)), sess.Token))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp SubmitResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "image submitted", resp.User.Text)
	assert.NotEmpty(t, resp.User.Thumbnail)
	assert.Contains(t, resp.Assistant.Text, "no route to host")
	assert.Contains(t, resp.Error, "network")

	rec = s.do(t, authed(httptest.NewRequest(http.MethodGet, "/api/v1/chat/messages/0/image", nil), sess.Token))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "image/png", rec.Header().Get(echo.HeaderContentType))
	etag := rec.Header().Get("ETag")
	require.NotEmpty(t, etag)

	cfg, _, err := image.DecodeConfig(rec.Body)
	require.NoError(t, err)
	assert.Equal(t, 200, cfg.Width)
	assert.Equal(t, 150, cfg.Height)

	req := authed(httptest.NewRequest(http.MethodGet, "/api/v1/chat/messages/0/image", nil), sess.Token)
	req.Header.Set("If-None-Match", etag)
	rec = s.do(t, req)
	assert.Equal(t, http.StatusNotModified, rec.Code)

	rec = s.do(t, authed(httptest.NewRequest(http.MethodGet, "/api/v1/chat/messages/1/image", nil), sess.Token))
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = s.do(t, authed(httptest.NewRequest(http.MethodGet, "/api/v1/chat/messages/7/image", nil), sess.Token))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestPostNothing(t *testing.T) {
	s := newTestServer(t, &fakeLlm{reply: "ok"}, nil)
	sess := s.session(t)

	rec := s.do(t, authed(jsonRequest(t, http.MethodPost, "/api/v1/chat/messages", SubmitRequest{Text: "  "}), sess.Token))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, 0, transcript(t, s, sess.Token).Count)
}

func TestPostBadImage(t *testing.T) {
	s := newTestServer(t, &fakeLlm{reply: "ok"}, nil)
	sess := s.session(t)

	rec := s.do(t, authed(multipartRequest(t, "/api/v1/chat/messages", "look", []byte("not a png")), sess.Token))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, 0, transcript(t, s, sess.Token).Count)
}

func TestAttachThenSubmit(t *testing.T) {
	s := newTestServer(t, &fakeLlm{reply: "Looks healthy."}, nil)
	sess := s.session(t)

	rec := s.do(t, authed(multipartRequest(t, "/api/v1/chat/image", "", testPNG(t)), sess.Token))
	require.Equal(t, http.StatusOK, rec.Code)
	var preview usecase.Preview
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &preview))
	assert.Equal(t, 200, preview.Width)

	rec = s.do(t, authed(httptest.NewRequest(http.MethodGet, "/api/v1/chat/state", nil), sess.Token))
	var state StateResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &state))
	assert.Equal(t, "composing", state.State)
	assert.True(t, state.PendingImage)
	assert.Equal(t, "fake-model", state.Model)

	rec = s.do(t, authed(jsonRequest(t, http.MethodPost, "/api/v1/chat/messages", SubmitRequest{Text: "is this acne?"}), sess.Token))
	require.Equal(t, http.StatusOK, rec.Code)

	tr := transcript(t, s, sess.Token)
	require.Equal(t, 2, tr.Count)
	assert.Equal(t, "is this acne?", tr.Turns[0].Text)
	assert.Equal(t, preview.ImageID, tr.Turns[0].ImageID)
}

func TestAttachMissingImage(t *testing.T) {
	s := newTestServer(t, &fakeLlm{reply: "ok"}, nil)
	sess := s.session(t)

	rec := s.do(t, authed(jsonRequest(t, http.MethodPost, "/api/v1/chat/image", SubmitRequest{}), sess.Token))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestClearMessages(t *testing.T) {
	s := newTestServer(t, &fakeLlm{reply: "ok"}, nil)
	sess := s.session(t)

	for i := 0; i < 2; i++ {
		rec := s.do(t, authed(jsonRequest(t, http.MethodPost, "/api/v1/chat/messages", SubmitRequest{Text: "hi"}), sess.Token))
		require.Equal(t, http.StatusOK, rec.Code)
	}
	require.Equal(t, 4, transcript(t, s, sess.Token).Count)

	rec := s.do(t, authed(httptest.NewRequest(http.MethodDelete, "/api/v1/chat/messages", nil), sess.Token))
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, 0, transcript(t, s, sess.Token).Count)
}

func TestSessionsDoNotShareTranscripts(t *testing.T) {
	s := newTestServer(t, &fakeLlm{reply: "ok"}, nil)
	a, b := s.session(t), s.session(t)

	rec := s.do(t, authed(jsonRequest(t, http.MethodPost, "/api/v1/chat/messages", SubmitRequest{Text: "hi"}), a.Token))
	require.Equal(t, http.StatusOK, rec.Code)

	assert.Equal(t, 2, transcript(t, s, a.Token).Count)
	assert.Equal(t, 0, transcript(t, s, b.Token).Count)
}

func TestSpeech(t *testing.T) {
	s := newTestServer(t, &fakeLlm{reply: "Apply sunscreen."}, fakeSynthesizer{})
	sess := s.session(t)

	rec := s.do(t, authed(jsonRequest(t, http.MethodPost, "/api/v1/chat/messages", SubmitRequest{Text: "tips"}), sess.Token))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = s.do(t, authed(httptest.NewRequest(http.MethodGet, "/api/v1/chat/messages/1/speech", nil), sess.Token))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "audio/mpeg", rec.Header().Get(echo.HeaderContentType))
	assert.True(t, strings.HasSuffix(rec.Body.String(), "Apply sunscreen."))

	rec = s.do(t, authed(httptest.NewRequest(http.MethodGet, "/api/v1/chat/messages/0/speech", nil), sess.Token))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSpeechDisabled(t *testing.T) {
	s := newTestServer(t, &fakeLlm{reply: "ok"}, nil)
	sess := s.session(t)

	rec := s.do(t, authed(httptest.NewRequest(http.MethodGet, "/api/v1/chat/messages/0/speech", nil), sess.Token))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestToHTTPError(t *testing.T) {
	tests := []struct {
		err  error
		code int
	}{
		{&domain.ImageDecodeError{Err: errors.New("bad")}, http.StatusBadRequest},
		{domain.ErrNothingToSubmit, http.StatusBadRequest},
		{domain.ErrBusy, http.StatusConflict},
		{domain.ErrSessionNotFound, http.StatusUnauthorized},
		{errors.New("other"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		var httpErr *echo.HTTPError
		require.ErrorAs(t, toHTTPError(tt.err), &httpErr)
		assert.Equal(t, tt.code, httpErr.Code, tt.err.Error())
	}
}
