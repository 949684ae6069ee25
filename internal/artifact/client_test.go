package artifact

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kazz187/browserd/pkg/storage"
)

type recordingStore struct {
	objects map[string]*storage.Object
	bodies  map[string]string
	failKey string
	pingErr error
}

func newRecordingStore() *recordingStore {
	return &recordingStore{objects: map[string]*storage.Object{}, bodies: map[string]string{}}
}

func (s *recordingStore) Put(_ context.Context, obj *storage.Object) (string, error) {
	if s.failKey != "" && strings.Contains(obj.Metadata["original_filename"], s.failKey) {
		return "", errors.New("access denied")
	}
	b, err := io.ReadAll(obj.Body)
	if err != nil {
		return "", err
	}
	s.objects[obj.Key] = obj
	s.bodies[obj.Key] = string(b)
	return "https://bucket.s3.us-east-1.amazonaws.com/" + obj.Key, nil
}

func (s *recordingStore) Delete(_ context.Context, key string) error {
	if _, ok := s.objects[key]; !ok {
		return storage.ErrNotFound
	}
	delete(s.objects, key)
	return nil
}

func (s *recordingStore) PresignGet(_ context.Context, key string, _ time.Duration) (string, error) {
	if _, ok := s.objects[key]; !ok {
		return "", storage.ErrNotFound
	}
	return "https://signed/" + key, nil
}

func (s *recordingStore) Ping(context.Context) error { return s.pingErr }

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	return p
}

func TestClient_UploadFile(t *testing.T) {
	store := newRecordingStore()
	fixed := time.Date(2024, 3, 9, 14, 5, 7, 0, time.UTC)
	c := NewClient(store, WithKeyPrefix("/artifacts/"), withClock(func() time.Time { return fixed }))

	p := writeFile(t, t.TempDir(), "shot.PNG", "png-bytes")
	url, ok := c.UploadFile(context.Background(), p, Scope{Kind: KindScreenshot, ProjectID: "p1", FlowID: "f1"},
		map[string]string{"Task-ID": "t1", "Step Number": "3"})
	require.True(t, ok)

	require.Len(t, store.objects, 1)
	for key, obj := range store.objects {
		assert.True(t, strings.HasPrefix(key, "artifacts/screenshots/p1/f1/20240309_140507_"), key)
		assert.True(t, strings.HasSuffix(key, ".png"), key)
		assert.Equal(t, "https://bucket.s3.us-east-1.amazonaws.com/"+key, url)
		assert.Equal(t, "image/png", obj.ContentType)
		assert.Equal(t, "png-bytes", store.bodies[key])
		assert.Equal(t, map[string]string{
			"task_id":           "t1",
			"step_number":       "3",
			"project_id":        "p1",
			"flow_id":           "f1",
			"upload_timestamp":  "2024-03-09T14:05:07Z",
			"original_filename": "shot.PNG",
		}, obj.Metadata)
	}
}

func TestClient_UploadFile_SniffsExtension(t *testing.T) {
	store := newRecordingStore()
	c := NewClient(store)

	// PNG signature without a file extension.
	p := writeFile(t, t.TempDir(), "capture", "\x89PNG\r\n\x1a\n0000")
	_, ok := c.UploadFile(context.Background(), p, Scope{Kind: KindScreenshot, ProjectID: "p", FlowID: "f"}, nil)
	require.True(t, ok)
	for key := range store.objects {
		assert.True(t, strings.HasSuffix(key, ".png"), key)
	}
}

func TestClient_UploadFile_KeysAreUnique(t *testing.T) {
	store := newRecordingStore()
	c := NewClient(store)
	p := writeFile(t, t.TempDir(), "a.png", "x")

	for range 20 {
		_, ok := c.UploadFile(context.Background(), p, Scope{ProjectID: "p", FlowID: "f"}, nil)
		require.True(t, ok)
	}
	assert.Len(t, store.objects, 20)
}

func TestClient_UploadFiles_PerFileResults(t *testing.T) {
	store := newRecordingStore()
	store.failKey = "broken"
	c := NewClient(store)
	dir := t.TempDir()

	paths := []string{
		writeFile(t, dir, "one.png", "1"),
		filepath.Join(dir, "missing.png"),
		writeFile(t, dir, "broken.mp4", "3"),
		writeFile(t, dir, "two.webm", "4"),
	}
	results := c.UploadFiles(context.Background(), paths, Scope{Kind: KindVideo, ProjectID: "p", FlowID: "f"}, nil)
	require.Len(t, results, 4)

	assert.True(t, results[0].OK())
	assert.NotEmpty(t, results[0].URL)
	assert.Equal(t, "one.png", results[0].Filename)

	assert.Equal(t, "file not found", results[1].Error)
	assert.Equal(t, paths[1], results[1].LocalPath)
	assert.Empty(t, results[1].URL)

	assert.Equal(t, "upload failed", results[2].Error)

	assert.True(t, results[3].OK())
	assert.True(t, strings.HasSuffix(results[3].Key, ".webm"))
}

func TestClient_DeletePresignHealth(t *testing.T) {
	store := newRecordingStore()
	c := NewClient(store)
	ctx := context.Background()

	p := writeFile(t, t.TempDir(), "h.json", "{}")
	results := c.UploadFiles(ctx, []string{p}, Scope{Kind: KindHistory, ProjectID: "p", FlowID: "f"}, nil)
	require.True(t, results[0].OK())
	key := results[0].Key

	url, ok := c.PresignURL(ctx, key, time.Minute)
	assert.True(t, ok)
	assert.Equal(t, "https://signed/"+key, url)

	assert.True(t, c.DeleteFile(ctx, key))
	assert.False(t, c.DeleteFile(ctx, key))
	_, ok = c.PresignURL(ctx, key, time.Minute)
	assert.False(t, ok)

	assert.True(t, c.HealthCheck(ctx))
	store.pingErr = errors.New("no such bucket")
	assert.False(t, c.HealthCheck(ctx))
}

func TestClient_WithLocalStorage(t *testing.T) {
	local, err := storage.NewLocalStorage(t.TempDir())
	require.NoError(t, err)
	c := NewClient(local)

	p := writeFile(t, t.TempDir(), "page.jpg", "jpeg")
	results := c.UploadFiles(context.Background(), []string{p}, Scope{Kind: KindScreenshot, ProjectID: "p", FlowID: "f"}, nil)
	require.True(t, results[0].OK())

	b, err := os.ReadFile(local.Path(results[0].Key))
	require.NoError(t, err)
	assert.Equal(t, "jpeg", string(b))
}
