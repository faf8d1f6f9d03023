package pipeline

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wb-go/wbf/zlog"

	"github.com/aliskhannn/photoshare-pipeline/internal/event"
	"github.com/aliskhannn/photoshare-pipeline/internal/repository/photo"
	"github.com/aliskhannn/photoshare-pipeline/internal/tagger"
	"github.com/aliskhannn/photoshare-pipeline/internal/transform"
)

func TestMain(m *testing.M) {
	zlog.Init()
	os.Exit(m.Run())
}

type fakeStore struct {
	objects map[string][]byte // "bucket/key" -> body for Get
	puts    map[string][]byte // "bucket/key" -> body written by Put
	putMeta map[string]map[string]string
	putErrs map[string]error // "bucket/key" -> forced Put failure
	getErr  error
	gets    int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		objects: make(map[string][]byte),
		puts:    make(map[string][]byte),
		putMeta: make(map[string]map[string]string),
		putErrs: make(map[string]error),
	}
}

func (f *fakeStore) Get(_ context.Context, bucket, key string) ([]byte, error) {
	f.gets++
	if f.getErr != nil {
		return nil, f.getErr
	}
	data, ok := f.objects[bucket+"/"+key]
	if !ok {
		return nil, errors.New("object not found")
	}
	return data, nil
}

func (f *fakeStore) Put(_ context.Context, bucket, key string, data []byte, _ string, metadata map[string]string) error {
	full := bucket + "/" + key
	if err := f.putErrs[full]; err != nil {
		return err
	}
	f.puts[full] = data
	f.putMeta[full] = metadata
	return nil
}

type fakeTransformer struct {
	result *transform.Result
	err    error
}

func (f *fakeTransformer) Transform(_ []byte) (*transform.Result, error) {
	return f.result, f.err
}

type fakeTagger struct {
	result tagger.Result
	err    error
	calls  int
}

func (f *fakeTagger) DetectTags(context.Context, string, string) (tagger.Result, error) {
	f.calls++
	return f.result, f.err
}

type fakeRepo struct {
	record    photo.Record
	findErr   error
	applyErr  error
	updates   []photo.ProcessingUpdate
	failedIDs []uuid.UUID
}

func (f *fakeRepo) FindByOriginalKey(context.Context, string) (photo.Record, error) {
	if f.findErr != nil {
		return photo.Record{}, f.findErr
	}
	return f.record, nil
}

func (f *fakeRepo) ApplyProcessingResult(_ context.Context, _ uuid.UUID, upd photo.ProcessingUpdate) error {
	if f.applyErr != nil {
		return f.applyErr
	}
	f.updates = append(f.updates, upd)
	return nil
}

func (f *fakeRepo) MarkFailed(_ context.Context, id uuid.UUID) error {
	f.failedIDs = append(f.failedIDs, id)
	return nil
}

func uploadEvent(bucket, key string) event.Event {
	return event.Event{Records: []event.Record{
		{
			EventSource: "minio:s3",
			EventName:   "s3:ObjectCreated:Put",
			S3: event.S3Entity{
				Bucket: event.Bucket{Name: bucket},
				Object: event.Object{Key: key},
			},
		},
	}}
}

func transformResult() *transform.Result {
	return &transform.Result{
		Master: []byte("master-bytes"),
		Width:  4000,
		Height: 3000,
		Format: "jpeg",
		Thumbnails: map[string][]byte{
			"small":  []byte("thumb-small"),
			"medium": []byte("thumb-medium"),
		},
	}
}

func testConfig() Config {
	return Config{
		ProcessedBucket:  "photos-processed",
		ThumbnailsBucket: "photos-thumbnails",
	}
}

func TestHandleBatch_Success(t *testing.T) {
	store := newFakeStore()
	store.objects["photos-uploads/uploads/u1/abc.jpg"] = []byte("raw")

	repo := &fakeRepo{record: photo.Record{ID: uuid.New(), Status: "processing"}}

	c := New(store, &fakeTransformer{result: transformResult()}, nil, repo, testConfig())
	c.HandleBatch(context.Background(), uploadEvent("photos-uploads", "uploads/u1/abc.jpg"))

	assert.Equal(t, []byte("master-bytes"), store.puts["photos-processed/processed/u1/abc.jpg"])
	assert.Equal(t, []byte("thumb-small"), store.puts["photos-thumbnails/thumbnails/u1/abc-small.jpg"])
	assert.Equal(t, []byte("thumb-medium"), store.puts["photos-thumbnails/thumbnails/u1/abc-medium.jpg"])

	meta := store.putMeta["photos-processed/processed/u1/abc.jpg"]
	assert.Equal(t, "uploads/u1/abc.jpg", meta["original-key"])
	assert.NotEmpty(t, meta["processed-at"])

	require.Len(t, repo.updates, 1)
	upd := repo.updates[0]
	assert.Equal(t, "processed/u1/abc.jpg", upd.ProcessedKey)
	assert.Equal(t, map[string]string{
		"small":  "thumbnails/u1/abc-small.jpg",
		"medium": "thumbnails/u1/abc-medium.jpg",
	}, upd.ThumbnailKeys)
	assert.Equal(t, 4000, upd.Width)
	assert.Equal(t, 3000, upd.Height)
	assert.Equal(t, "jpeg", upd.Format)
	assert.Nil(t, upd.AutoTags)
	assert.Nil(t, upd.Confidence)
	assert.Empty(t, repo.failedIDs)
}

func TestHandleBatch_SkipsDerivedKeys(t *testing.T) {
	store := newFakeStore()
	repo := &fakeRepo{record: photo.Record{ID: uuid.New()}}

	c := New(store, &fakeTransformer{result: transformResult()}, nil, repo, testConfig())
	c.HandleBatch(context.Background(), uploadEvent("photos-processed", "processed/u1/abc.jpg"))

	assert.Zero(t, store.gets)
	assert.Empty(t, store.puts)
	assert.Empty(t, repo.updates)
	assert.Empty(t, repo.failedIDs)
}

func TestHandleBatch_FetchFailureMarksFailed(t *testing.T) {
	store := newFakeStore()
	store.getErr = errors.New("connection reset")

	id := uuid.New()
	repo := &fakeRepo{record: photo.Record{ID: id, Status: "processing"}}

	c := New(store, &fakeTransformer{result: transformResult()}, nil, repo, testConfig())
	c.HandleBatch(context.Background(), uploadEvent("photos-uploads", "uploads/u1/abc.jpg"))

	assert.Empty(t, store.puts)
	assert.Empty(t, repo.updates)
	assert.Equal(t, []uuid.UUID{id}, repo.failedIDs)
}

func TestHandleBatch_TransformFailureMarksFailed(t *testing.T) {
	store := newFakeStore()
	store.objects["photos-uploads/uploads/u1/abc.jpg"] = []byte("not an image")

	id := uuid.New()
	repo := &fakeRepo{record: photo.Record{ID: id, Status: "processing"}}

	c := New(store, &fakeTransformer{err: transform.ErrUnsupportedImage}, nil, repo, testConfig())
	c.HandleBatch(context.Background(), uploadEvent("photos-uploads", "uploads/u1/abc.jpg"))

	assert.Empty(t, store.puts)
	assert.Equal(t, []uuid.UUID{id}, repo.failedIDs)
}

func TestHandleBatch_PartialThumbnailFailureStillProcessed(t *testing.T) {
	store := newFakeStore()
	store.objects["photos-uploads/uploads/u1/abc.jpg"] = []byte("raw")
	store.putErrs["photos-thumbnails/thumbnails/u1/abc-medium.jpg"] = errors.New("write timeout")

	repo := &fakeRepo{record: photo.Record{ID: uuid.New(), Status: "processing"}}

	c := New(store, &fakeTransformer{result: transformResult()}, nil, repo, testConfig())
	c.HandleBatch(context.Background(), uploadEvent("photos-uploads", "uploads/u1/abc.jpg"))

	require.Len(t, repo.updates, 1)
	upd := repo.updates[0]
	assert.Equal(t, "processed/u1/abc.jpg", upd.ProcessedKey)
	assert.Equal(t, map[string]string{"small": "thumbnails/u1/abc-small.jpg"}, upd.ThumbnailKeys)
	assert.Empty(t, repo.failedIDs)
}

func TestHandleBatch_MasterPersistFailureMarksFailed(t *testing.T) {
	store := newFakeStore()
	store.objects["photos-uploads/uploads/u1/abc.jpg"] = []byte("raw")
	store.putErrs["photos-processed/processed/u1/abc.jpg"] = errors.New("bucket unavailable")

	id := uuid.New()
	repo := &fakeRepo{record: photo.Record{ID: id, Status: "processing"}}

	c := New(store, &fakeTransformer{result: transformResult()}, nil, repo, testConfig())
	c.HandleBatch(context.Background(), uploadEvent("photos-uploads", "uploads/u1/abc.jpg"))

	assert.Empty(t, repo.updates)
	assert.Equal(t, []uuid.UUID{id}, repo.failedIDs)
}

func TestHandleBatch_TaggingFailureStillProcessed(t *testing.T) {
	store := newFakeStore()
	store.objects["photos-uploads/uploads/u1/abc.jpg"] = []byte("raw")

	repo := &fakeRepo{record: photo.Record{ID: uuid.New(), Status: "processing"}}
	td := &fakeTagger{err: errors.New("service unavailable")}

	cfg := testConfig()
	cfg.TaggingEnabled = true

	c := New(store, &fakeTransformer{result: transformResult()}, td, repo, cfg)
	c.HandleBatch(context.Background(), uploadEvent("photos-uploads", "uploads/u1/abc.jpg"))

	assert.Equal(t, 1, td.calls)
	require.Len(t, repo.updates, 1)
	assert.Nil(t, repo.updates[0].AutoTags)
	assert.Nil(t, repo.updates[0].Confidence)
	assert.Empty(t, repo.failedIDs)
}

func TestHandleBatch_TaggingSuccessEnrichesUpdate(t *testing.T) {
	store := newFakeStore()
	store.objects["photos-uploads/uploads/u1/abc.jpg"] = []byte("raw")

	repo := &fakeRepo{record: photo.Record{ID: uuid.New(), Status: "processing"}}
	td := &fakeTagger{result: tagger.Result{Tags: []string{"dog", "animal"}, Confidence: 94.85}}

	cfg := testConfig()
	cfg.TaggingEnabled = true

	c := New(store, &fakeTransformer{result: transformResult()}, td, repo, cfg)
	c.HandleBatch(context.Background(), uploadEvent("photos-uploads", "uploads/u1/abc.jpg"))

	require.Len(t, repo.updates, 1)
	upd := repo.updates[0]
	assert.Equal(t, []string{"dog", "animal"}, upd.AutoTags)
	require.NotNil(t, upd.Confidence)
	assert.InEpsilon(t, 94.85, *upd.Confidence, 0.001)
}

func TestHandleBatch_RecordNotFoundIsNotEscalated(t *testing.T) {
	store := newFakeStore()
	store.objects["photos-uploads/uploads/u1/abc.jpg"] = []byte("raw")

	repo := &fakeRepo{findErr: photo.ErrRecordNotFound}

	c := New(store, &fakeTransformer{result: transformResult()}, nil, repo, testConfig())
	c.HandleBatch(context.Background(), uploadEvent("photos-uploads", "uploads/u1/abc.jpg"))

	// Derived assets are still written; only the metadata update is skipped.
	assert.NotEmpty(t, store.puts)
	assert.Empty(t, repo.updates)
	assert.Empty(t, repo.failedIDs)
}

func TestHandleBatch_Idempotent(t *testing.T) {
	store := newFakeStore()
	store.objects["photos-uploads/uploads/u1/abc.jpg"] = []byte("raw")

	repo := &fakeRepo{record: photo.Record{ID: uuid.New(), Status: "processing"}}

	c := New(store, &fakeTransformer{result: transformResult()}, nil, repo, testConfig())

	evt := uploadEvent("photos-uploads", "uploads/u1/abc.jpg")
	c.HandleBatch(context.Background(), evt)
	c.HandleBatch(context.Background(), evt)

	// Re-delivery converges: identical keys, identical field values.
	require.Len(t, repo.updates, 2)
	assert.Equal(t, repo.updates[0], repo.updates[1])
	assert.Empty(t, repo.failedIDs)
}

func TestHandleBatch_OneBadRecordDoesNotAbortOthers(t *testing.T) {
	store := newFakeStore()
	store.objects["photos-uploads/uploads/u1/good.jpg"] = []byte("raw")

	repo := &fakeRepo{record: photo.Record{ID: uuid.New(), Status: "processing"}}

	evt := event.Event{Records: []event.Record{
		uploadEvent("photos-uploads", "uploads/u1/missing.jpg").Records[0],
		uploadEvent("photos-uploads", "uploads/u1/good.jpg").Records[0],
	}}

	c := New(store, &fakeTransformer{result: transformResult()}, nil, repo, testConfig())
	c.HandleBatch(context.Background(), evt)

	// The missing object fails its own record, the second still completes.
	require.Len(t, repo.updates, 1)
	assert.Len(t, repo.failedIDs, 1)
}
