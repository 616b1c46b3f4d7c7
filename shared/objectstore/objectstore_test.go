package objectstore

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeS3 struct {
	pages  []*s3.ListObjectsV2Output
	inputs []*s3.ListObjectsV2Input
	err    error
}

func (f *fakeS3) ListObjectsV2(_ context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	f.inputs = append(f.inputs, in)
	if f.err != nil {
		return nil, f.err
	}
	page := f.pages[0]
	f.pages = f.pages[1:]
	return page, nil
}

func objects(keys ...string) []types.Object {
	out := make([]types.Object, len(keys))
	for i, k := range keys {
		out[i] = types.Object{Key: aws.String(k)}
	}
	return out
}

func TestS3Lister_ListPaginates(t *testing.T) {
	api := &fakeS3{pages: []*s3.ListObjectsV2Output{
		{Contents: objects("u1/clip1.mp4"), IsTruncated: aws.Bool(true), NextContinuationToken: aws.String("next")},
		{Contents: objects("u1/clip2.mp4"), IsTruncated: aws.Bool(false)},
	}}

	lister := NewS3ListerWithClient(api, "clips", 1, slog.New(slog.NewTextHandler(io.Discard, nil)))

	keys, err := lister.List(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, []string{"u1/clip1.mp4", "u1/clip2.mp4"}, keys)

	require.Len(t, api.inputs, 2)
	assert.Equal(t, "clips", aws.ToString(api.inputs[0].Bucket))
	assert.Equal(t, "u1", aws.ToString(api.inputs[0].Prefix))
	assert.Equal(t, "next", aws.ToString(api.inputs[1].ContinuationToken))
}

func TestS3Lister_ListEmptyIsNotAnError(t *testing.T) {
	api := &fakeS3{pages: []*s3.ListObjectsV2Output{{IsTruncated: aws.Bool(false)}}}
	lister := NewS3ListerWithClient(api, "clips", 0, slog.New(slog.NewTextHandler(io.Discard, nil)))

	keys, err := lister.List(context.Background(), "nobody")
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestS3Lister_ListError(t *testing.T) {
	api := &fakeS3{err: errors.New("access denied")}
	lister := NewS3ListerWithClient(api, "clips", 0, slog.New(slog.NewTextHandler(io.Discard, nil)))

	_, err := lister.List(context.Background(), "u1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "access denied")
}

func TestFileLister_List(t *testing.T) {
	base := t.TempDir()
	for _, key := range []string{"u1/raw.mp4", "u1/clip1.mp4", "u1/nested/clip2.mp4", "u2/clip.mp4"} {
		path := filepath.Join(base, filepath.FromSlash(key))
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))
	}

	lister, err := NewFileLister(base)
	require.NoError(t, err)

	keys, err := lister.List(context.Background(), "u1")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"u1/raw.mp4", "u1/clip1.mp4", "u1/nested/clip2.mp4"}, keys)

	keys, err = lister.List(context.Background(), "u3")
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestNew_UnknownBackend(t *testing.T) {
	_, err := New(context.Background(), &Config{Backend: "ftp"}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown object store backend")
}
