// Package notification turns object-storage upload events into run requests.
// It accepts S3 event notifications either bare or wrapped in an SNS
// envelope, as delivered by S3 → SNS → SQS/Kafka bridges.
package notification

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"github.com/Adithya-Monish-Kumar-K/range-partitioner/internal/partition"
	apperrors "github.com/Adithya-Monish-Kumar-K/range-partitioner/pkg/errors"
	"github.com/google/uuid"
)

type s3Event struct {
	Records []s3Record `json:"Records"`
}

type s3Record struct {
	EventName string `json:"eventName"`
	S3        *struct {
		Bucket *struct {
			Name string `json:"name"`
		} `json:"bucket"`
		Object *struct {
			Key       string `json:"key"`
			ETag      string `json:"eTag"`
			Sequencer string `json:"sequencer"`
		} `json:"object"`
	} `json:"s3"`
}

type envelope struct {
	Records json.RawMessage `json:"Records"`
	Message *string         `json:"Message"`
}

// Parse extracts one RunRequest per ObjectCreated record in raw. Records of
// other event types, or without a bucket name or key, are skipped. An empty
// message or one without a Records array yields no requests and no error;
// malformed JSON is an ErrInvalidInput.
func Parse(raw []byte) ([]partition.RunRequest, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return nil, nil
	}
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, apperrors.InvalidInputf("decoding notification: %v", err)
	}
	body := raw
	if env.Records == nil && env.Message != nil {
		body = []byte(*env.Message)
	}

	var event s3Event
	if err := json.Unmarshal(body, &event); err != nil {
		return nil, apperrors.InvalidInputf("decoding s3 event: %v", err)
	}

	var reqs []partition.RunRequest
	for _, rec := range event.Records {
		if !strings.HasPrefix(rec.EventName, "ObjectCreated") {
			continue
		}
		if rec.S3 == nil || rec.S3.Bucket == nil || rec.S3.Object == nil {
			continue
		}
		bucket := rec.S3.Bucket.Name
		key, err := url.QueryUnescape(rec.S3.Object.Key)
		if err != nil {
			return nil, apperrors.InvalidInputf("decoding object key %q: %v", rec.S3.Object.Key, err)
		}
		if bucket == "" || key == "" {
			continue
		}
		reqs = append(reqs, partition.RunRequest{
			SourceID:  bucket,
			ObjectKey: key,
			RunID:     RunIDFor(bucket, key, rec.S3.Object.Sequencer, rec.S3.Object.ETag),
		})
	}
	return reqs, nil
}

// RunIDFor derives a stable run id for one upload. Redelivered notifications
// for the same upload map to the same id; a re-upload of the same key gets a
// new sequencer and therefore a new id. Without either version marker a
// random id is returned.
func RunIDFor(bucket, key, sequencer, etag string) string {
	if sequencer == "" && etag == "" {
		return uuid.NewString()
	}
	name := fmt.Sprintf("s3://%s/%s#%s|%s", bucket, key, sequencer, etag)
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(name)).String()
}
