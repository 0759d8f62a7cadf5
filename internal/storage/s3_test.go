package storage_test

import (
	"bytes"
	"context"
	"io"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/johannesboyne/gofakes3"
	"github.com/johannesboyne/gofakes3/backend/s3mem"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gostones/s3queue/internal/storage"
	"github.com/gostones/s3queue/internal/types"
	"github.com/gostones/s3queue/internal/upload"
)

const bucket = "media"

func startMockServer(t *testing.T) *httptest.Server {
	backend := s3mem.New()
	require.NoError(t, backend.CreateBucket(bucket))
	faker := gofakes3.New(backend)
	ts := httptest.NewServer(faker.Server())
	t.Cleanup(ts.Close)
	return ts
}

func newS3Backend(t *testing.T, endpoint string) *storage.S3Backend {
	log, _ := logtest.NewNullLogger()
	b, err := storage.NewS3Backend(storage.S3Config{
		Bucket:          bucket,
		Region:          "mock-region-1",
		Endpoint:        endpoint,
		AccessKeyID:     "accId",
		SecretAccessKey: "accKey",
		ForcePathStyle:  true,
	}, log)
	require.NoError(t, err)
	return b
}

func getObject(t *testing.T, endpoint, key string) []byte {
	sess, err := session.NewSession(aws.NewConfig().
		WithRegion("mock-region-1").
		WithEndpoint(endpoint).
		WithS3ForcePathStyle(true).
		WithCredentials(credentials.NewStaticCredentials("accId", "accKey", "")))
	require.NoError(t, err)
	out, err := s3.New(sess).GetObject(&s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	require.NoError(t, err)
	defer out.Body.Close()
	data, err := io.ReadAll(out.Body)
	require.NoError(t, err)
	return data
}

func putPart(t *testing.T, u string, data []byte) string {
	req, err := http.NewRequest(http.MethodPut, u, bytes.NewReader(data))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	return resp.Header.Get("ETag")
}

func TestNewS3Backend(t *testing.T) {
	log, _ := logtest.NewNullLogger()
	_, err := storage.NewS3Backend(storage.S3Config{Region: "us-west-2"}, log)
	assert.Error(t, err)

	b, err := storage.NewS3Backend(storage.S3Config{Bucket: bucket, Region: "us-west-2"}, log)
	require.NoError(t, err)
	assert.Equal(t, bucket, b.Bucket())
}

func TestS3BackendMultipart(t *testing.T) {
	ts := startMockServer(t)
	b := newS3Backend(t, ts.URL)
	ctx := context.Background()

	uploadID, err := b.CreateMultipartUpload(ctx, "video.mp4", "video/mp4")
	require.NoError(t, err)
	require.NotEmpty(t, uploadID)

	u, err := b.GetUploadPartURL(ctx, "video.mp4", uploadID, 1, "")
	require.NoError(t, err)
	assert.Contains(t, u, "partNumber=1")
	assert.Contains(t, u, "uploadId=")
	assert.Contains(t, u, "X-Amz-Signature=")

	etag := putPart(t, u, []byte("hello world"))
	require.NotEmpty(t, etag)

	data, err := b.CompleteMultipartUpload(ctx, "video.mp4", uploadID, []types.CompletedPart{
		{PartNumber: 1, ETag: etag},
	})
	require.NoError(t, err)
	assert.Equal(t, "video.mp4", data.Key)
	assert.Equal(t, []byte("hello world"), getObject(t, ts.URL, "video.mp4"))
}

func TestS3BackendAbortIsIdempotent(t *testing.T) {
	ts := startMockServer(t)
	b := newS3Backend(t, ts.URL)
	ctx := context.Background()

	uploadID, err := b.CreateMultipartUpload(ctx, "photo.jpg", "image/jpeg")
	require.NoError(t, err)
	assert.NoError(t, b.AbortMultipartUpload(ctx, "photo.jpg", uploadID))
	assert.NoError(t, b.AbortMultipartUpload(ctx, "photo.jpg", uploadID))

	_, err = b.CompleteMultipartUpload(ctx, "photo.jpg", uploadID, []types.CompletedPart{
		{PartNumber: 1, ETag: `"etag"`},
	})
	assert.Error(t, err)
}

func TestS3BackendSession(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	ts := startMockServer(t)
	b := newS3Backend(t, ts.URL)

	data := make([]byte, upload.MinChunkSize+1024)
	rand.New(rand.NewSource(1)).Read(data)
	src := memSource{Reader: bytes.NewReader(data), name: "clip.mov"}

	log, _ := logtest.NewNullLogger()
	u := upload.NewUploader(b, upload.Options{ChunkSize: upload.MinChunkSize, Log: log})
	s := u.NewSession(src, "uploads/clip.mov")
	require.NoError(t, s.Run(context.Background()))
	assert.Len(t, s.CompletedParts(), 2)
	assert.Equal(t, data, getObject(t, ts.URL, "uploads/clip.mov"))
}

type memSource struct {
	*bytes.Reader
	name string
}

func (m memSource) Name() string {
	return m.name
}

func (m memSource) ContentType() string {
	return "video/quicktime"
}
