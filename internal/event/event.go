package event

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
)

// Event is the batch payload published by the object store when objects
// are created. The shape mirrors S3/MinIO bucket notifications.
type Event struct {
	Records []Record `json:"Records"`
}

// Record describes a single object-storage event.
type Record struct {
	EventSource string   `json:"eventSource"` // e.g. "minio:s3" or "aws:s3"
	EventName   string   `json:"eventName"`   // e.g. "s3:ObjectCreated:Put"
	S3          S3Entity `json:"s3"`
}

// S3Entity carries the bucket and object parts of a record.
type S3Entity struct {
	Bucket Bucket `json:"bucket"`
	Object Object `json:"object"`
}

// Bucket identifies the bucket an event originated from.
type Bucket struct {
	Name string `json:"name"`
}

// Object identifies the stored object. The key arrives URL-encoded.
type Object struct {
	Key  string `json:"key"`
	Size int64  `json:"size"`
}

// Notification is a normalized creation event: one bucket, one decoded key.
type Notification struct {
	SourceBucket string
	SourceKey    string
}

// Parse unmarshals a raw bucket-notification message.
func Parse(data []byte) (Event, error) {
	var evt Event
	if err := json.Unmarshal(data, &evt); err != nil {
		return Event{}, fmt.Errorf("unmarshal storage event: %w", err)
	}

	return evt, nil
}

// IsStorageEvent reports whether the record came from an object store.
// Notification topics can carry other producers' messages; those are skipped.
func (r Record) IsStorageEvent() bool {
	return strings.HasSuffix(r.EventSource, ":s3")
}

// Notification decodes the record's object key and returns the normalized
// form. Keys are URL-encoded by the event source, with spaces as "+".
func (r Record) Notification() (Notification, error) {
	key, err := url.QueryUnescape(r.S3.Object.Key)
	if err != nil {
		return Notification{}, fmt.Errorf("decode object key %q: %w", r.S3.Object.Key, err)
	}

	return Notification{
		SourceBucket: r.S3.Bucket.Name,
		SourceKey:    key,
	}, nil
}
