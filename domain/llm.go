package domain

import "context"

// Llm abstracts any multimodal generation provider.
type Llm interface {
	// Generate sends parts, in order, as one request and returns the model's reply.
	Generate(ctx context.Context, parts []Part) (string, error)
	// Model returns the identifier of the configured model.
	Model() string
}

// Part is one element of a multimodal request. Exactly one of Text or Image is set.
type Part struct {
	Text  string
	Image *Image
}

// Image is a raw uploaded image as sent to the model.
type Image struct {
	Data     []byte
	MIMEType string
}

func TextPart(text string) Part {
	return Part{Text: text}
}

func ImagePart(img Image) Part {
	return Part{Image: &img}
}

// IsImage reports whether the part carries an image.
func (p Part) IsImage() bool {
	return p.Image != nil
}
