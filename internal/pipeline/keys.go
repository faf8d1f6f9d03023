package pipeline

import (
	"path"
	"strings"
)

// Storage key namespaces. Source uploads live under uploadsPrefix; derived
// assets are written under the other two so their creation events can be
// told apart from fresh uploads.
const (
	uploadsPrefix    = "uploads/"
	processedPrefix  = "processed/"
	thumbnailsPrefix = "thumbnails/"
)

// IsDerivedKey reports whether the key belongs to the derived-asset
// namespace. Events for such keys are the pipeline's own output and are
// skipped to avoid re-triggering.
func IsDerivedKey(key string) bool {
	return strings.HasPrefix(key, processedPrefix) || strings.HasPrefix(key, thumbnailsPrefix)
}

// ProcessedKey derives the master-copy key from the source key by prefix
// substitution: uploads/u1/abc.jpg -> processed/u1/abc.jpg. Deterministic,
// so a retried write lands on the same object.
func ProcessedKey(sourceKey string) string {
	return processedPrefix + strings.TrimPrefix(sourceKey, uploadsPrefix)
}

// ThumbnailKey derives the key for one thumbnail size. The size label is
// inserted before the extension and the extension normalized to .jpg since
// thumbnails are always re-encoded as JPEG:
// uploads/u1/abc.png + "small" -> thumbnails/u1/abc-small.jpg.
func ThumbnailKey(sourceKey, label string) string {
	rest := strings.TrimPrefix(sourceKey, uploadsPrefix)

	ext := path.Ext(rest)
	base := strings.TrimSuffix(rest, ext)

	return thumbnailsPrefix + base + "-" + label + ".jpg"
}
