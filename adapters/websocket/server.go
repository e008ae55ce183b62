package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/satriahrh/skincarebot/adapters/imagecodec"
	"github.com/satriahrh/skincarebot/domain"
	"github.com/satriahrh/skincarebot/usecase"
	"github.com/satriahrh/skincarebot/utils/log"
)

// Command types accepted from clients.
const (
	CommandDraft  = "draft"
	CommandAttach = "attach"
	CommandSubmit = "submit"
	CommandClear  = "clear"
)

// Command is a client-to-server frame. Image is base64 encoded.
type Command struct {
	Type  string `json:"type"`
	Text  string `json:"text,omitempty"`
	Image string `json:"image,omitempty"`
}

type Server struct {
	upgrader      websocket.Upgrader
	controller    *usecase.TurnController
	messageBroker domain.MessageBroker
	hub           *Hub
	readLimit     int64
}

// NewServer returns a Server whose clients accept frames up to readLimit
// bytes, which must fit a base64 attachment.
func NewServer(controller *usecase.TurnController, messageBroker domain.MessageBroker, readLimit int64) *Server {
	return &Server{
		upgrader:      websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }},
		controller:    controller,
		messageBroker: messageBroker,
		hub:           NewHub(),
		readLimit:     readLimit,
	}
}

func (s *Server) GetHub() *Hub {
	return s.hub
}

// RunEventListener forwards conversation events to the clients of each
// session until ctx is done.
func (s *Server) RunEventListener(ctx context.Context) error {
	events, err := s.messageBroker.Subscribe(ctx, domain.ConversationTopic, "")
	if err != nil {
		return err
	}

	log.WithCtx(ctx).Info("WebSocket server listening to conversation events")

	for msg := range events {
		var event domain.ConversationEvent
		if err := json.Unmarshal(msg.Payload, &event); err != nil {
			log.WithCtx(ctx).Error("Failed to unmarshal conversation event", zap.Error(err))
			continue
		}

		payload, err := json.Marshal(outgoing(event))
		if err != nil {
			log.WithCtx(ctx).Error("Failed to marshal WebSocket message", zap.Error(err))
			continue
		}

		n := s.hub.SendToSession(event.SessionID, payload)
		log.WithCtx(log.WithSession(ctx, event.SessionID)).Debug("Forwarded conversation event",
			zap.String("type", string(event.Type)),
			zap.Int("clients", n))
	}

	log.WithCtx(ctx).Info("Conversation event listener stopped")
	return nil
}

func outgoing(event domain.ConversationEvent) Message {
	msg := Message{
		Type:      string(event.Type),
		SessionID: event.SessionID,
		Timestamp: event.Timestamp,
	}
	switch event.Type {
	case domain.EventTurn:
		if event.Turn != nil {
			msg.Data = event.Turn.View(event.Index)
		}
	case domain.EventState:
		msg.Data = map[string]string{"state": event.State}
	}
	return msg
}

// dispatcher returns the command handler for one session's connection.
func (s *Server) dispatcher(session *usecase.Session) Handle {
	return func(ctx context.Context, client *Client, message []byte) {
		var cmd Command
		if err := json.Unmarshal(message, &cmd); err != nil {
			s.reply(client, "error", ErrorResponse{Code: "bad_request", Message: "invalid command", Details: err.Error()})
			return
		}

		switch cmd.Type {
		case CommandDraft:
			if err := s.controller.Compose(ctx, session, cmd.Text); err != nil {
				s.replyError(client, err)
			}

		case CommandAttach:
			preview, err := s.attach(ctx, session, cmd.Image)
			if err != nil {
				s.replyError(client, err)
				return
			}
			s.reply(client, "preview", preview)

		case CommandSubmit:
			if cmd.Image != "" {
				if _, err := s.attach(ctx, session, cmd.Image); err != nil {
					s.replyError(client, err)
					return
				}
			}
			// The read loop keeps serving pings while the model works.
			go func() {
				res, err := s.controller.Submit(ctx, session, cmd.Text)
				if err != nil {
					s.replyError(client, err)
					return
				}
				if res.Err != nil {
					log.WithCtx(ctx).Info("Turn recorded with generation error", zap.Error(res.Err))
				}
			}()

		case CommandClear:
			s.controller.Clear(ctx, session)

		default:
			s.reply(client, "error", ErrorResponse{Code: "bad_request", Message: "unknown command " + cmd.Type})
		}
	}
}

func (s *Server) attach(ctx context.Context, session *usecase.Session, encoded string) (usecase.Preview, error) {
	data, err := imagecodec.Decode(encoded)
	if err != nil {
		return usecase.Preview{}, err
	}
	return s.controller.Attach(ctx, session, data)
}

func (s *Server) reply(client *Client, msgType string, data any) {
	payload, err := json.Marshal(Message{
		Type:      msgType,
		SessionID: client.SessionID(),
		Timestamp: time.Now(),
		Data:      data,
	})
	if err != nil {
		log.WithCtx(client.Context()).Error("Failed to marshal reply", zap.Error(err))
		return
	}
	if err := client.SendMessage(payload); err != nil {
		log.WithCtx(client.Context()).Debug("Reply not delivered", zap.Error(err))
	}
}

func (s *Server) replyError(client *Client, err error) {
	resp := ErrorResponse{Code: "internal", Message: err.Error()}
	switch {
	case errors.Is(err, domain.ErrBusy):
		resp.Code = "busy"
	case errors.Is(err, domain.ErrNothingToSubmit):
		resp.Code = "empty"
	case domain.IsImageDecodeError(err):
		resp.Code = "bad_image"
	}
	s.reply(client, "error", resp)
}

// snapshot sends the whole transcript so a fresh connection can render.
func (s *Server) snapshot(client *Client, session *usecase.Session) {
	turns := session.Transcript()
	views := make([]domain.TurnView, len(turns))
	for i, t := range turns {
		views[i] = t.View(i)
	}
	s.reply(client, "transcript", map[string]any{
		"turns": views,
		"state": session.State().String(),
	})
}
