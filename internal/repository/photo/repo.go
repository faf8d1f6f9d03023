package photo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/wb-go/wbf/dbpg"
	"github.com/wb-go/wbf/zlog"
)

// ErrRecordNotFound is returned when no photo record matches the lookup.
var ErrRecordNotFound = errors.New("photo record not found")

// Record is the metadata row for one uploaded photo. The pipeline only
// ever writes the derived fields and status; the user-owned fields
// (title, description, tags, sharing) belong to the photo API.
type Record struct {
	ID          uuid.UUID
	OwnerID     string
	OriginalKey string

	Title       string
	Description string
	Tags        []string
	IsPublic    bool
	SharedWith  []string

	ProcessedKey  string
	ThumbnailKeys map[string]string
	Width         int
	Height        int
	Format        string
	ProcessedSize int64
	ThumbnailSize int64

	AutoTags   []string
	Confidence float64

	Status    string // processing / processed / failed
	CreatedAt time.Time
	UpdatedAt time.Time
}

// ProcessingUpdate carries the pipeline-owned fields written after a
// successful run. All assignments are absolute so re-applying the same
// update converges to the same state.
type ProcessingUpdate struct {
	ProcessedKey  string
	ThumbnailKeys map[string]string
	Width         int
	Height        int
	Format        string
	ProcessedSize int64
	ThumbnailSize int64

	// AutoTags and Confidence are only written when the tagging stage
	// produced a result; nil leaves the stored values untouched.
	AutoTags   []string
	Confidence *float64
}

// Repository provides lookup and partial updates for photo records.
type Repository struct {
	db *dbpg.DB
}

// NewRepository creates a new Repository with the given DB connection.
func NewRepository(db *dbpg.DB) *Repository {
	return &Repository{db: db}
}

const recordColumns = `
	id, owner_id, original_key,
	title, description, tags, is_public, shared_with,
	processed_key, thumbnail_keys, width, height, format,
	processed_size, thumbnail_size,
	auto_tags, confidence, status, created_at, updated_at
`

// FindByOriginalKey locates the record owning the given storage key.
// The storage event only carries the key, not the record identity, so this
// is a secondary lookup; the owner id embedded in "uploads/{owner}/..."
// narrows it when present. Duplicate matches return the oldest row with a
// warning; absence is reported as ErrRecordNotFound.
func (r *Repository) FindByOriginalKey(ctx context.Context, key string) (Record, error) {
	query := `
		SELECT ` + recordColumns + `
		FROM photos
		WHERE original_key = $1
		ORDER BY created_at
		LIMIT 2
	`
	args := []interface{}{key}

	if owner := OwnerFromKey(key); owner != "" {
		query = `
			SELECT ` + recordColumns + `
			FROM photos
			WHERE owner_id = $1 AND original_key = $2
			ORDER BY created_at
			LIMIT 2
		`
		args = []interface{}{owner, key}
	}

	rows, err := r.db.Master.QueryContext(ctx, query, args...)
	if err != nil {
		return Record{}, fmt.Errorf("find: failed to query photos by key: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return Record{}, fmt.Errorf("find: failed to scan photo: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return Record{}, fmt.Errorf("find: failed to read photos: %w", err)
	}

	if len(records) == 0 {
		return Record{}, ErrRecordNotFound
	}

	if len(records) > 1 {
		zlog.Logger.Warn().
			Str("original_key", key).
			Msg("multiple photo records match storage key, using oldest")
	}

	return records[0], nil
}

// ApplyProcessingResult writes the derived fields and moves the record to
// processed. Thumbnail keys are merged rather than replaced so a retry
// that produced fewer sizes never reverts an already-stored reference.
func (r *Repository) ApplyProcessingResult(ctx context.Context, id uuid.UUID, upd ProcessingUpdate) error {
	if upd.ThumbnailKeys == nil {
		// A nil map marshals to JSON null, which would wipe the merged
		// column instead of leaving it unchanged.
		upd.ThumbnailKeys = map[string]string{}
	}

	thumbs, err := json.Marshal(upd.ThumbnailKeys)
	if err != nil {
		return fmt.Errorf("update: failed to marshal thumbnail keys: %w", err)
	}

	var autoTags []byte
	if upd.AutoTags != nil {
		autoTags, err = json.Marshal(upd.AutoTags)
		if err != nil {
			return fmt.Errorf("update: failed to marshal auto tags: %w", err)
		}
	}

	query := `
		UPDATE photos
		SET processed_key   = $2,
			thumbnail_keys  = COALESCE(thumbnail_keys, '{}'::jsonb) || $3::jsonb,
			width           = $4,
			height          = $5,
			format          = $6,
			processed_size  = $7,
			thumbnail_size  = $8,
			auto_tags       = COALESCE($9::jsonb, auto_tags),
			confidence      = COALESCE($10, confidence),
			status          = 'processed',
			updated_at      = now()
		WHERE id = $1
	`

	res, err := r.db.ExecContext(ctx, query,
		id, upd.ProcessedKey, thumbs,
		upd.Width, upd.Height, upd.Format,
		upd.ProcessedSize, upd.ThumbnailSize,
		autoTags, upd.Confidence,
	)
	if err != nil {
		return fmt.Errorf("update: failed to apply processing result: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update: failed to get number of rows affected: %w", err)
	}
	if n == 0 {
		return ErrRecordNotFound
	}

	return nil
}

// MarkFailed moves the record to failed unless it has already been
// processed: a late or retried failure never downgrades a success.
func (r *Repository) MarkFailed(ctx context.Context, id uuid.UUID) error {
	query := `
		UPDATE photos
		SET status = 'failed', updated_at = now()
		WHERE id = $1 AND status <> 'processed'
	`

	if _, err := r.db.ExecContext(ctx, query, id); err != nil {
		return fmt.Errorf("update: failed to mark photo failed: %w", err)
	}

	return nil
}

// OwnerFromKey extracts the owner id from an "uploads/{owner}/..." key.
// Returns "" when the key does not follow the upload namespace layout.
func OwnerFromKey(key string) string {
	parts := strings.Split(key, "/")
	if len(parts) < 3 || parts[0] != "uploads" {
		return ""
	}

	return parts[1]
}

func scanRecord(rows *sql.Rows) (Record, error) {
	var (
		rec           Record
		description   sql.NullString
		processedKey  sql.NullString
		format        sql.NullString
		width         sql.NullInt64
		height        sql.NullInt64
		processedSize sql.NullInt64
		thumbnailSize sql.NullInt64
		confidence    sql.NullFloat64
		tags          []byte
		sharedWith    []byte
		thumbKeys     []byte
		autoTags      []byte
	)

	err := rows.Scan(
		&rec.ID, &rec.OwnerID, &rec.OriginalKey,
		&rec.Title, &description, &tags, &rec.IsPublic, &sharedWith,
		&processedKey, &thumbKeys, &width, &height, &format,
		&processedSize, &thumbnailSize,
		&autoTags, &confidence, &rec.Status, &rec.CreatedAt, &rec.UpdatedAt,
	)
	if err != nil {
		return Record{}, err
	}

	rec.Description = description.String
	rec.ProcessedKey = processedKey.String
	rec.Format = format.String
	rec.Width = int(width.Int64)
	rec.Height = int(height.Int64)
	rec.ProcessedSize = processedSize.Int64
	rec.ThumbnailSize = thumbnailSize.Int64
	rec.Confidence = confidence.Float64

	for _, pair := range []struct {
		raw []byte
		dst interface{}
	}{
		{tags, &rec.Tags},
		{sharedWith, &rec.SharedWith},
		{thumbKeys, &rec.ThumbnailKeys},
		{autoTags, &rec.AutoTags},
	} {
		if len(pair.raw) == 0 {
			continue
		}
		if err := json.Unmarshal(pair.raw, pair.dst); err != nil {
			return Record{}, err
		}
	}

	return rec, nil
}
