package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/satriahrh/skincarebot/adapters/imagecodec"
	"github.com/satriahrh/skincarebot/domain"
	"github.com/satriahrh/skincarebot/utils/log"
)

const errorMessagePrefix = "⚠️ An error occurred: "

var errEmptyReply = errors.New("model returned no text")

// TurnOptions holds the fixed strings a controller fills in.
type TurnOptions struct {
	// ImagePrompt is sent ahead of an image submitted without text.
	ImagePrompt string
	// ImagePlaceholder is the user turn text for an image submitted without text.
	ImagePlaceholder string
}

// TurnResult describes a completed submission.
type TurnResult struct {
	User      domain.Turn
	Assistant domain.Turn
	// Err is the generation failure recorded as the assistant turn, if any.
	Err error
	// Discarded is set when the session was cleared while the turn was in flight.
	Discarded bool
	// UserIndex and AssistantIndex locate the turns in the transcript once
	// Submit returns. They are -1 for a turn that is no longer stored.
	UserIndex      int
	AssistantIndex int
}

// Preview is the display copy of a freshly attached image.
type Preview struct {
	Thumbnail string `json:"thumbnail"`
	ImageID   string `json:"image_id"`
	Width     int    `json:"width"`
	Height    int    `json:"height"`
	MIMEType  string `json:"mime_type"`
}

// TurnController drives the Idle -> Composing -> Submitting -> Idle cycle of
// sessions and is the only writer of their conversation stores.
type TurnController struct {
	llm    domain.Llm
	codec  *imagecodec.Codec
	hasher domain.Hasher
	broker domain.MessageBroker
	opts   TurnOptions
	now    func() time.Time
}

// NewTurnController wires a controller. broker may be nil.
func NewTurnController(llm domain.Llm, codec *imagecodec.Codec, hasher domain.Hasher, broker domain.MessageBroker, opts TurnOptions) *TurnController {
	return &TurnController{
		llm:    llm,
		codec:  codec,
		hasher: hasher,
		broker: broker,
		opts:   opts,
		now:    time.Now,
	}
}

// Model returns the identifier of the model turns are sent to.
func (c *TurnController) Model() string {
	return c.llm.Model()
}

// Attach validates an upload and makes it the session's pending image,
// replacing any previous one. A bad upload leaves the session unchanged.
func (c *TurnController) Attach(ctx context.Context, s *Session, data []byte) (Preview, error) {
	if s.State() == Submitting {
		return Preview{}, domain.ErrBusy
	}

	img, thumb, err := c.codec.Prepare(data)
	if err != nil {
		log.WithCtx(ctx).Info("Rejected attachment", zap.Error(err))
		return Preview{}, err
	}
	id := c.hasher.Hash(thumb.PNG)

	s.mu.Lock()
	if s.state == Submitting {
		s.mu.Unlock()
		return Preview{}, domain.ErrBusy
	}
	s.pending = &pendingImage{image: img, thumb: thumb, id: id}
	s.state = Composing
	s.touch()
	s.mu.Unlock()

	c.publish(ctx, domain.ConversationEvent{Type: domain.EventState, SessionID: s.ID, State: Composing.String()})

	return Preview{
		Thumbnail: thumb.Encoded(),
		ImageID:   id,
		Width:     thumb.Width,
		Height:    thumb.Height,
		MIMEType:  img.MIMEType,
	}, nil
}

// Compose records the text being typed.
func (c *TurnController) Compose(ctx context.Context, s *Session, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == Submitting {
		return domain.ErrBusy
	}
	s.draft = text
	switch {
	case strings.TrimSpace(text) != "":
		s.state = Composing
	case s.pending == nil:
		s.state = Idle
	}
	s.touch()
	return nil
}

// Submit sends the text and the pending image as one turn. The user turn is
// recorded before the model is called; a failed call is recorded as the
// assistant turn and reported through TurnResult.Err, not as an error.
func (c *TurnController) Submit(ctx context.Context, s *Session, text string) (TurnResult, error) {
	text = strings.TrimSpace(text)

	s.mu.Lock()
	if s.state == Submitting {
		s.mu.Unlock()
		return TurnResult{}, domain.ErrBusy
	}
	if text == "" && s.pending == nil {
		s.mu.Unlock()
		return TurnResult{}, domain.ErrNothingToSubmit
	}

	pending := s.pending
	epoch := s.epoch
	s.state = Submitting
	s.touch()

	user := domain.Turn{Role: domain.UserRole, Text: text, Timestamp: c.now()}
	if text == "" {
		user.Text = c.opts.ImagePlaceholder
	}
	if pending != nil {
		user.Thumbnail = pending.thumb.Encoded()
		user.ImageID = pending.id
	}
	if err := s.store.Append(user); err != nil {
		s.state = Idle
		s.mu.Unlock()
		return TurnResult{}, fmt.Errorf("record user turn: %w", err)
	}
	userIndex := s.store.Len() - 1
	s.mu.Unlock()

	c.publish(ctx, domain.ConversationEvent{Type: domain.EventState, SessionID: s.ID, State: Submitting.String()})
	c.publish(ctx, domain.ConversationEvent{Type: domain.EventTurn, SessionID: s.ID, Index: userIndex, Turn: &user})

	var img *domain.Image
	if pending != nil {
		img = &pending.image
	}
	reply, genErr := c.llm.Generate(ctx, BuildParts(text, img, c.opts.ImagePrompt))
	if genErr == nil && strings.TrimSpace(reply) == "" {
		genErr = &domain.GenerationError{Reason: domain.ReasonMalformed, Err: errEmptyReply}
	}

	assistant := domain.Turn{Role: domain.AssistantRole, Text: reply, Timestamp: c.now()}
	if genErr != nil {
		if !domain.IsGenerationError(genErr) {
			genErr = &domain.GenerationError{Reason: domain.ReasonNetwork, Err: genErr}
		}
		assistant.Text = ErrorMessage(genErr)
		log.WithCtx(ctx).Warn("Generation failed", zap.Error(genErr))
	}

	s.mu.Lock()
	discarded := s.epoch != epoch
	assistantIndex := -1
	userIndex = -1
	if !discarded {
		if err := s.store.Append(assistant); err != nil {
			log.WithCtx(ctx).Error("Dropping assistant turn", zap.Error(err))
		} else {
			assistantIndex = s.store.Len() - 1
		}
		// Only this call writes the store between the two appends, so the
		// user turn sits right before the reply unless the window evicted it.
		if assistantIndex > 0 {
			userIndex = assistantIndex - 1
		}
	}
	s.pending = nil
	s.draft = ""
	s.state = Idle
	s.touch()
	s.mu.Unlock()

	if discarded {
		log.WithCtx(ctx).Info("Session cleared during submission, reply discarded")
	} else {
		c.publish(ctx, domain.ConversationEvent{Type: domain.EventTurn, SessionID: s.ID, Index: assistantIndex, Turn: &assistant})
	}
	c.publish(ctx, domain.ConversationEvent{Type: domain.EventState, SessionID: s.ID, State: Idle.String()})

	return TurnResult{
		User:           user,
		Assistant:      assistant,
		Err:            genErr,
		Discarded:      discarded,
		UserIndex:      userIndex,
		AssistantIndex: assistantIndex,
	}, nil
}

// Clear empties the transcript and drops the pending image and draft. It is
// allowed in any state; a turn in flight finishes without recording a reply.
// During Submitting the state is left alone and becomes Idle when that turn
// returns, so a second generation cannot start while the first is running.
func (c *TurnController) Clear(ctx context.Context, s *Session) {
	s.mu.Lock()
	s.store.Clear()
	s.pending = nil
	s.draft = ""
	s.epoch++
	if s.state != Submitting {
		s.state = Idle
	}
	s.touch()
	s.mu.Unlock()

	log.WithCtx(ctx).Debug("Session cleared")
	c.publish(ctx, domain.ConversationEvent{Type: domain.EventCleared, SessionID: s.ID})
}

// BuildParts assembles the request for one turn. Text always comes before
// the image; an image without text gets prompt as its instruction.
func BuildParts(text string, img *domain.Image, prompt string) []domain.Part {
	switch {
	case img != nil && text != "":
		return []domain.Part{domain.TextPart(text), domain.ImagePart(*img)}
	case img != nil:
		return []domain.Part{domain.TextPart(prompt), domain.ImagePart(*img)}
	default:
		return []domain.Part{domain.TextPart(text)}
	}
}

// ErrorMessage is the assistant text shown for a failed generation.
func ErrorMessage(err error) string {
	return errorMessagePrefix + err.Error()
}

func (c *TurnController) publish(ctx context.Context, event domain.ConversationEvent) {
	if c.broker == nil {
		return
	}
	event.Timestamp = c.now()

	payload, err := json.Marshal(event)
	if err != nil {
		log.WithCtx(ctx).Error("Failed to marshal conversation event", zap.Error(err))
		return
	}
	if err := c.broker.Publish(context.WithoutCancel(ctx), domain.ConversationTopic, event.SessionID, payload); err != nil {
		log.WithCtx(ctx).Warn("Failed to publish conversation event",
			zap.String("type", string(event.Type)),
			zap.Error(err))
	}
}
