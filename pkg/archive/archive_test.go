package archive

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePutter struct {
	inputs []*s3.PutObjectInput
	bodies [][]byte
	err    error
}

func (f *fakePutter) PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	body, _ := io.ReadAll(params.Body)
	f.inputs = append(f.inputs, params)
	f.bodies = append(f.bodies, body)
	return &s3.PutObjectOutput{}, nil
}

func TestS3Archiver_Key(t *testing.T) {
	a := newS3Archiver(&fakePutter{}, Config{Bucket: "b"})
	created := time.Date(2024, 3, 7, 23, 30, 0, 0, time.FixedZone("EST", -5*3600))
	assert.Equal(t, "stripe-events/2024/03/08/evt_1.json", a.Key("evt_1", created))

	custom := newS3Archiver(&fakePutter{}, Config{Bucket: "b", Prefix: "audit/stripe"})
	assert.Equal(t, "audit/stripe/2024/03/08/evt_1.json", custom.Key("evt_1", created))
}

func TestS3Archiver_Archive(t *testing.T) {
	putter := &fakePutter{}
	a := newS3Archiver(putter, Config{Bucket: "events"})
	payload := []byte(`{"id":"evt_1"}`)

	err := a.Archive(context.Background(), "evt_1", time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC), payload)
	require.NoError(t, err)

	require.Len(t, putter.inputs, 1)
	in := putter.inputs[0]
	assert.Equal(t, "events", aws.ToString(in.Bucket))
	assert.Equal(t, "stripe-events/2024/01/02/evt_1.json", aws.ToString(in.Key))
	assert.Equal(t, "application/json", aws.ToString(in.ContentType))
	assert.Equal(t, "evt_1", in.Metadata["event-id"])
	assert.Len(t, in.Metadata["checksum-sha256"], 64)
	assert.Equal(t, payload, putter.bodies[0])
}

func TestS3Archiver_ArchiveError(t *testing.T) {
	a := newS3Archiver(&fakePutter{err: errors.New("access denied")}, Config{Bucket: "events"})
	err := a.Archive(context.Background(), "evt_1", time.Now(), []byte("{}"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "evt_1")
}

func TestNewS3Archiver_RequiresBucket(t *testing.T) {
	_, err := NewS3Archiver(context.Background(), Config{Region: "us-east-1"})
	assert.Error(t, err)
}

func TestNewS3Archiver_StaticCredentials(t *testing.T) {
	a, err := NewS3Archiver(context.Background(), Config{
		Bucket:       "events",
		Region:       "us-east-1",
		Endpoint:     "http://localhost:9000",
		UsePathStyle: true,
		AccessKey:    "minio",
		SecretKey:    "minio123",
	})
	require.NoError(t, err)
	assert.Equal(t, "events", a.bucket)
}

func TestNop(t *testing.T) {
	assert.NoError(t, Nop{}.Archive(context.Background(), "evt", time.Now(), nil))
}
