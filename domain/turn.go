package domain

import "time"

type Role string

const (
	UserRole      Role = "user"
	AssistantRole Role = "assistant"
)

// Turn is one message in a conversation.
type Turn struct {
	Role      Role      `json:"role"`
	Text      string    `json:"text,omitempty"`
	Thumbnail string    `json:"thumbnail,omitempty"` // base64 PNG
	ImageID   string    `json:"image_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// HasImage reports whether the turn carries a thumbnail.
func (t Turn) HasImage() bool {
	return t.Thumbnail != ""
}

// Valid reports whether the turn has any content at all.
func (t Turn) Valid() bool {
	return t.Text != "" || t.Thumbnail != ""
}

// Clock formats the turn timestamp the way the transcript shows it.
func (t Turn) Clock() string {
	return t.Timestamp.Format("15:04")
}

// TurnView is the rendering of a Turn for presentation clients.
type TurnView struct {
	Index     int       `json:"index"`
	Role      Role      `json:"role"`
	Text      string    `json:"text,omitempty"`
	Thumbnail string    `json:"thumbnail,omitempty"`
	ImageID   string    `json:"image_id,omitempty"`
	Time      string    `json:"time"`
	Timestamp time.Time `json:"timestamp"`
}

func (t Turn) View(index int) TurnView {
	return TurnView{
		Index:     index,
		Role:      t.Role,
		Text:      t.Text,
		Thumbnail: t.Thumbnail,
		ImageID:   t.ImageID,
		Time:      t.Clock(),
		Timestamp: t.Timestamp,
	}
}
