package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/wb-go/wbf/zlog"

	"github.com/aliskhannn/photoshare-pipeline/internal/event"
	"github.com/aliskhannn/photoshare-pipeline/internal/repository/photo"
	"github.com/aliskhannn/photoshare-pipeline/internal/tagger"
	"github.com/aliskhannn/photoshare-pipeline/internal/transform"
)

// objectStore defines the object-storage operations the pipeline needs.
type objectStore interface {
	Get(ctx context.Context, bucket, key string) ([]byte, error)
	Put(ctx context.Context, bucket, key string, data []byte, contentType string, metadata map[string]string) error
}

// imageTransformer produces derived assets from raw image bytes.
type imageTransformer interface {
	Transform(raw []byte) (*transform.Result, error)
}

// tagDetector labels a stored image via an external service.
type tagDetector interface {
	DetectTags(ctx context.Context, bucket, key string) (tagger.Result, error)
}

// photoRepository resolves and updates photo metadata records.
type photoRepository interface {
	FindByOriginalKey(ctx context.Context, key string) (photo.Record, error)
	ApplyProcessingResult(ctx context.Context, id uuid.UUID, upd photo.ProcessingUpdate) error
	MarkFailed(ctx context.Context, id uuid.UUID) error
}

// Config holds the coordinator's target buckets and feature flags.
type Config struct {
	ProcessedBucket  string
	ThumbnailsBucket string
	TaggingEnabled   bool
}

// Coordinator drives the derived-asset pipeline for storage-creation
// notifications: fetch the original, transform it, persist the derived
// assets, optionally tag, and update the owning metadata record.
type Coordinator struct {
	store       objectStore
	transformer imageTransformer
	tagger      tagDetector
	photos      photoRepository
	cfg         Config
}

// New creates a Coordinator. The tag detector may be nil when the tagging
// stage is disabled.
func New(store objectStore, tr imageTransformer, td tagDetector, photos photoRepository, cfg Config) *Coordinator {
	return &Coordinator{
		store:       store,
		transformer: tr,
		tagger:      td,
		photos:      photos,
		cfg:         cfg,
	}
}

// tagOutcome is the tri-state result of the best-effort tagging stage.
type tagOutcome struct {
	state  tagState
	result tagger.Result
}

type tagState int

const (
	tagDisabled tagState = iota
	tagFailed
	tagSucceeded
)

// HandleBatch processes every record in the event independently. A failed
// record gets a best-effort status update and never aborts the rest of
// the batch.
func (c *Coordinator) HandleBatch(ctx context.Context, evt event.Event) {
	for _, rec := range evt.Records {
		if !rec.IsStorageEvent() {
			zlog.Logger.Debug().
				Str("event_source", rec.EventSource).
				Msg("skipping non-storage event record")
			continue
		}

		n, err := rec.Notification()
		if err != nil {
			zlog.Logger.Error().Err(err).Msg("failed to decode notification, skipping record")
			continue
		}

		if err := c.handleNotification(ctx, n); err != nil {
			zlog.Logger.Error().Err(err).
				Str("bucket", n.SourceBucket).
				Str("key", n.SourceKey).
				Msg("failed to process notification")

			c.markFailed(ctx, n)
		}
	}
}

// handleNotification runs the full pipeline for one creation event.
func (c *Coordinator) handleNotification(ctx context.Context, n event.Notification) error {
	// The pipeline's own writes trigger creation events too; processing
	// them again would loop forever.
	if IsDerivedKey(n.SourceKey) {
		zlog.Logger.Info().
			Str("key", n.SourceKey).
			Msg("skipping derived-asset event")
		return nil
	}

	raw, err := c.store.Get(ctx, n.SourceBucket, n.SourceKey)
	if err != nil {
		return fmt.Errorf("fetch source object: %w", err)
	}

	res, err := c.transformer.Transform(raw)
	if err != nil {
		return fmt.Errorf("transform image: %w", err)
	}

	// Tagging reads the already-uploaded original, not the transformed
	// bytes, so it runs alongside derived-asset persistence.
	tagCh := c.startTagging(ctx, n)

	processedKey := ProcessedKey(n.SourceKey)
	generatedAt := time.Now().UTC().Format(time.RFC3339)

	masterErr := c.store.Put(ctx, c.cfg.ProcessedBucket, processedKey, res.Master, "image/jpeg", map[string]string{
		"original-key": n.SourceKey,
		"processed-at": generatedAt,
	})

	// Each thumbnail write is independent: one failed size must not stop
	// the others or downgrade an otherwise-successful run.
	thumbKeys := make(map[string]string, len(res.Thumbnails))
	var thumbBytes int64
	for label, data := range res.Thumbnails {
		key := ThumbnailKey(n.SourceKey, label)

		err := c.store.Put(ctx, c.cfg.ThumbnailsBucket, key, data, "image/jpeg", map[string]string{
			"original-key": n.SourceKey,
			"size":         label,
			"processed-at": generatedAt,
		})
		if err != nil {
			zlog.Logger.Warn().Err(err).
				Str("key", key).
				Str("size", label).
				Msg("thumbnail write failed, continuing with remaining sizes")
			continue
		}

		thumbKeys[label] = key
		thumbBytes += int64(len(data))
	}

	tags := <-tagCh

	if masterErr != nil {
		return fmt.Errorf("persist master image: %w", masterErr)
	}

	rec, err := c.photos.FindByOriginalKey(ctx, n.SourceKey)
	if err != nil {
		if errors.Is(err, photo.ErrRecordNotFound) {
			// The record may not exist yet (event raced its creation) or
			// the upload was abandoned. Nothing to update.
			zlog.Logger.Warn().
				Str("key", n.SourceKey).
				Msg("no photo record found for storage key")
			return nil
		}

		return fmt.Errorf("resolve photo record: %w", err)
	}

	upd := photo.ProcessingUpdate{
		ProcessedKey:  processedKey,
		ThumbnailKeys: thumbKeys,
		Width:         res.Width,
		Height:        res.Height,
		Format:        res.Format,
		ProcessedSize: int64(len(res.Master)),
		ThumbnailSize: thumbBytes,
	}
	if tags.state == tagSucceeded {
		upd.AutoTags = tags.result.Tags
		confidence := tags.result.Confidence
		upd.Confidence = &confidence
	}

	if err := c.photos.ApplyProcessingResult(ctx, rec.ID, upd); err != nil {
		return fmt.Errorf("update photo record: %w", err)
	}

	zlog.Logger.Info().
		Str("key", n.SourceKey).
		Str("photo_id", rec.ID.String()).
		Int("thumbnails", len(thumbKeys)).
		Msg("photo processed")

	return nil
}

// startTagging launches the best-effort tagging stage and returns a channel
// that always yields exactly one outcome.
func (c *Coordinator) startTagging(ctx context.Context, n event.Notification) <-chan tagOutcome {
	ch := make(chan tagOutcome, 1)

	if !c.cfg.TaggingEnabled || c.tagger == nil {
		ch <- tagOutcome{state: tagDisabled}
		return ch
	}

	go func() {
		res, err := c.tagger.DetectTags(ctx, n.SourceBucket, n.SourceKey)
		if err != nil {
			// Tags are an enrichment, not a correctness gate.
			zlog.Logger.Warn().Err(err).
				Str("key", n.SourceKey).
				Msg("label detection failed, continuing without tags")
			ch <- tagOutcome{state: tagFailed}
			return
		}

		ch <- tagOutcome{state: tagSucceeded, result: res}
	}()

	return ch
}

// markFailed records the failure on the owning metadata record. Every step
// is best-effort: failing to even write the failure status is only logged.
func (c *Coordinator) markFailed(ctx context.Context, n event.Notification) {
	rec, err := c.photos.FindByOriginalKey(ctx, n.SourceKey)
	if err != nil {
		if errors.Is(err, photo.ErrRecordNotFound) {
			zlog.Logger.Warn().
				Str("key", n.SourceKey).
				Msg("no photo record to mark failed")
			return
		}

		zlog.Logger.Error().Err(err).
			Str("key", n.SourceKey).
			Msg("failed to resolve photo record for failure status")
		return
	}

	if err := c.photos.MarkFailed(ctx, rec.ID); err != nil {
		zlog.Logger.Error().Err(err).
			Str("photo_id", rec.ID.String()).
			Msg("failed to mark photo failed")
	}
}
