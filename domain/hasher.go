package domain

// Hasher fingerprints content. Thumbnails use it for image IDs and ETags.
type Hasher interface {
	Hash(data []byte) string
}
