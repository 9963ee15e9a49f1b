package design

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dd0wney/cluso-riskcap/pkg/metrics"
)

func exerciseStore(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()

	d := triangle()
	id, err := s.Put(ctx, d)
	require.NoError(t, err)
	_, err = uuid.Parse(id)
	assert.NoError(t, err, "generated ids are UUIDs")
	assert.Equal(t, id, d.ID)

	named := triangle()
	named.ID = "named"
	_, err = s.Put(ctx, named)
	require.NoError(t, err)

	got, err := s.Get(ctx, id)
	require.NoError(t, err)
	assert.True(t, Equal(d, got))
	assert.Equal(t, d.ChosenLinks(), got.ChosenLinks())

	ids, err := s.List(ctx)
	require.NoError(t, err)
	want := []string{id, "named"}
	sort.Strings(want)
	assert.Equal(t, want, ids)

	require.NoError(t, s.Delete(ctx, "named"))
	_, err = s.Get(ctx, "named")
	assert.True(t, IsNotFound(err), "got %v", err)

	var storeErr *StoreError
	require.True(t, errors.As(err, &storeErr))
	assert.Equal(t, "get", storeErr.Op)
	assert.Equal(t, "named", storeErr.ID)
}

func TestFileStore(t *testing.T) {
	reg := metrics.NewRegistry()
	s, err := NewFileStore(t.TempDir(), reg)
	require.NoError(t, err)
	exerciseStore(t, s)

	assert.True(t, IsNotFound(s.Delete(context.Background(), "missing")))
	_, err = s.Get(context.Background(), "../escape")
	assert.Error(t, err)
	assert.False(t, IsNotFound(err))
}

func TestFileStoreCorruptRecord(t *testing.T) {
	dir := t.TempDir()
	s, err := NewFileStore(dir, nil)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bad.json"), []byte("{"), 0o644))

	_, err = s.Get(context.Background(), "bad")
	var storeErr *StoreError
	require.True(t, errors.As(err, &storeErr))
	assert.Equal(t, "decode", storeErr.Context)
}

func TestSaveFileLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "design.json")
	d := triangle()
	require.NoError(t, SaveFile(path, d))

	loaded, err := LoadFile(path)
	require.NoError(t, err)
	assert.True(t, Equal(d, loaded))
}

// fakeS3 is an in-memory object store.
type fakeS3 struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newFakeS3() *fakeS3 { return &fakeS3{objects: make(map[string][]byte)} }

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[aws.ToString(in.Key)] = data
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NoSuchKey{Message: aws.String("missing")}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func (f *fakeS3) DeleteObject(_ context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, aws.ToString(in.Key))
	return &s3.DeleteObjectOutput{}, nil
}

func (f *fakeS3) ListObjectsV2(_ context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := &s3.ListObjectsV2Output{}
	for k := range f.objects {
		if strings.HasPrefix(k, aws.ToString(in.Prefix)) {
			out.Contents = append(out.Contents, types.Object{Key: aws.String(k)})
		}
	}
	return out, nil
}

func TestS3Store(t *testing.T) {
	fake := newFakeS3()
	s := NewS3Store(fake, "designs", "/runs/", metrics.NewRegistry())
	exerciseStore(t, s)

	fake.mu.Lock()
	for k := range fake.objects {
		assert.True(t, strings.HasPrefix(k, "runs/"), "key %s", k)
	}
	fake.mu.Unlock()
}

func TestPGStore(t *testing.T) {
	url := os.Getenv("RISKCAP_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("RISKCAP_TEST_DATABASE_URL not set")
	}
	s, err := NewPGStore(context.Background(), url, nil)
	require.NoError(t, err)
	defer s.Close()

	for _, id := range mustList(t, s) {
		require.NoError(t, s.Delete(context.Background(), id))
	}
	exerciseStore(t, s)
}

func mustList(t *testing.T, s Store) []string {
	t.Helper()
	ids, err := s.List(context.Background())
	require.NoError(t, err)
	return ids
}

func TestStoreErrorMessage(t *testing.T) {
	err := NewError("put").Backend("s3").Design("abc").Context("runs/abc.json").Cause(io.ErrUnexpectedEOF).Build()
	assert.Equal(t, "s3 put design abc (runs/abc.json): unexpected EOF", err.Error())
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
	assert.False(t, err.Is(nil))

	plain := NewError("list").Backend("file").Cause(io.EOF).Err()
	assert.Equal(t, "file list: EOF", plain.Error())
}
