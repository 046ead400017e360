package handoff

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// Recorder uploads a finished call's recording to object storage. Object
// storage itself is an out-of-scope external collaborator (the spec
// references it only by its PUT-with-metadata contract); Recorder is the
// named interface that boundary is crossed through.
type Recorder interface {
	Upload(ctx context.Context, objectPath string, data []byte, metadata map[string]string) (publicURL string, err error)
}

// RecordingSource supplies the raw recording bytes for a finished call, if
// one was captured. Returning ok=false means "no recording available" (the
// spec's upload step is conditional on "(if available)"); the zero value
// noopRecordingSource always reports unavailable, since this bridge does
// not itself capture call audio to disk.
type RecordingSource interface {
	Recording(callUUID string) (data []byte, ok bool)
}

type noopRecordingSource struct{}

func (noopRecordingSource) Recording(string) ([]byte, bool) { return nil, false }

// HTTPRecorder implements Recorder against an S3-compatible endpoint (MinIO
// in this deployment, per §6's MINIO_* environment variables) using
// github.com/minio/minio-go/v7, the one real S3-client dependency named
// anywhere in the retrieved pack (edsonmartins-linktor's go.mod).
type HTTPRecorder struct {
	client    *minio.Client
	bucket    string
	publicURL string // e.g. https://cdn.example.com, joined as {publicURL}/{bucket}/{object}
}

// NewHTTPRecorder builds an HTTPRecorder targeting a MinIO/S3-compatible
// endpoint using static access/secret key credentials, serving public URLs
// under publicURL.
func NewHTTPRecorder(endpoint, accessKey, secretKey, bucket, publicURL string, useSSL bool) (*HTTPRecorder, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("handoff: new minio client: %w", err)
	}
	return &HTTPRecorder{client: client, bucket: bucket, publicURL: publicURL}, nil
}

var _ Recorder = (*HTTPRecorder)(nil)

func (r *HTTPRecorder) Upload(ctx context.Context, objectPath string, data []byte, metadata map[string]string) (string, error) {
	_, err := r.client.PutObject(ctx, r.bucket, objectPath, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType:  "audio/mpeg",
		UserMetadata: metadata,
	})
	if err != nil {
		return "", fmt.Errorf("handoff: recording upload: %w", err)
	}
	return fmt.Sprintf("%s/%s/%s", r.publicURL, r.bucket, objectPath), nil
}

// recordingObjectPath builds the deterministic §4.9 step 3 path
// company_{id}/voice/{YYYY}/{MM}/{DD}/{call}.mp3.
func recordingObjectPath(tenantID string, when time.Time, callUUID string) string {
	return fmt.Sprintf("company_%s/voice/%04d/%02d/%02d/%s.mp3", tenantID, when.Year(), when.Month(), when.Day(), callUUID)
}
