package blobstore

import (
	"bytes"
	"context"
	"io"
	"os"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeS3 struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newFakeS3() *fakeS3 { return &fakeS3{objects: map[string][]byte{}} }

func notFound() error { return &smithy.GenericAPIError{Code: "NoSuchKey", Message: "missing"} }

func (f *fakeS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.objects[aws.ToString(in.Bucket)+"/"+aws.ToString(in.Key)]
	if !ok {
		return nil, notFound()
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(b))}, nil
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	b, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	f.objects[aws.ToString(in.Bucket)+"/"+aws.ToString(in.Key)] = b
	f.mu.Unlock()
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) DeleteObject(_ context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	f.mu.Lock()
	delete(f.objects, aws.ToString(in.Bucket)+"/"+aws.ToString(in.Key))
	f.mu.Unlock()
	return &s3.DeleteObjectOutput{}, nil
}

func (f *fakeS3) HeadObject(_ context.Context, in *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.objects[aws.ToString(in.Bucket)+"/"+aws.ToString(in.Key)]; !ok {
		return nil, &smithy.GenericAPIError{Code: "NotFound"}
	}
	return &s3.HeadObjectOutput{}, nil
}

func exercise(t *testing.T, fs FileStore) {
	t.Helper()
	ctx := context.Background()

	ok, err := fs.Exists(ctx, "db/demo_rows.msgpack")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = fs.Read(ctx, "db/demo_rows.msgpack")
	require.ErrorIs(t, err, os.ErrNotExist)

	w, err := fs.Write(ctx, "db/demo_rows.msgpack")
	require.NoError(t, err)
	_, err = w.Write([]byte("payload"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	ok, err = fs.Exists(ctx, "db/demo_rows.msgpack")
	require.NoError(t, err)
	assert.True(t, ok)

	r, err := fs.Read(ctx, "db/demo_rows.msgpack")
	require.NoError(t, err)
	b, err := io.ReadAll(r)
	require.NoError(t, err)
	r.Close()
	assert.Equal(t, "payload", string(b))

	require.NoError(t, fs.Delete(ctx, "db/demo_rows.msgpack"))
	require.NoError(t, fs.Delete(ctx, "db/demo_rows.msgpack"))
	ok, _ = fs.Exists(ctx, "db/demo_rows.msgpack")
	assert.False(t, ok)
}

func TestLocal(t *testing.T) {
	l, err := NewLocal(t.TempDir())
	require.NoError(t, err)
	exercise(t, l)
}

func TestS3Store(t *testing.T) {
	fake := newFakeS3()
	exercise(t, NewS3(fake, "bucket", "prefix"))
}

func TestS3KeyPrefix(t *testing.T) {
	assert.Equal(t, "a/b", NewS3(nil, "bucket", "").key("a/b"))
	assert.Equal(t, "p/a/b", NewS3(nil, "bucket", "p").key("a/b"))
}

func TestNewS3Client(t *testing.T) {
	c := NewS3Client(S3Config{Region: "us-east-1", Endpoint: "http://localhost:9000", UsePathStyle: true})
	require.NotNil(t, c)
	assert.Equal(t, "us-east-1", c.Options().Region)
	assert.True(t, c.Options().UsePathStyle)
}
