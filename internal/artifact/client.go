package artifact

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kazz187/browserd/pkg/storage"
)

// Kind groups uploaded objects by what produced them.
type Kind string

const (
	KindScreenshot Kind = "screenshots"
	KindVideo      Kind = "videos"
	KindHistory    Kind = "history"
	KindScan       Kind = "scans"
	KindFile       Kind = "files"
)

const (
	errFileNotFound = "file not found"
	errUploadFailed = "upload failed"
)

// Scope places an upload under a project and flow.
type Scope struct {
	Kind      Kind
	ProjectID string
	FlowID    string
}

// UploadResult reports the outcome for a single input of UploadFiles.
type UploadResult struct {
	LocalPath string `json:"local_path"`
	Filename  string `json:"filename"`
	URL       string `json:"url,omitempty"`
	Key       string `json:"key,omitempty"`
	Error     string `json:"error,omitempty"`
}

func (r UploadResult) OK() bool { return r.Error == "" }

type Client struct {
	store  storage.Storage
	prefix string
	now    func() time.Time
}

type Option func(*Client)

func WithKeyPrefix(prefix string) Option {
	return func(c *Client) { c.prefix = strings.Trim(prefix, "/") }
}

func withClock(now func() time.Time) Option {
	return func(c *Client) { c.now = now }
}

func NewClient(store storage.Storage, opts ...Option) *Client {
	c := &Client{
		store:  store,
		prefix: "browser-automation",
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// UploadFile stores the file at localPath and returns its URL. Failures are
// logged and reported as ok=false.
func (c *Client) UploadFile(ctx context.Context, localPath string, scope Scope, metadata map[string]string) (string, bool) {
	res := c.upload(ctx, localPath, scope, metadata)
	return res.URL, res.OK()
}

// UploadFiles uploads every path and returns one result per input, in input
// order. A failing file does not stop the rest of the batch.
func (c *Client) UploadFiles(ctx context.Context, paths []string, scope Scope, metadata map[string]string) []UploadResult {
	results := make([]UploadResult, 0, len(paths))
	for _, p := range paths {
		results = append(results, c.upload(ctx, p, scope, metadata))
	}
	return results
}

func (c *Client) upload(ctx context.Context, localPath string, scope Scope, metadata map[string]string) UploadResult {
	res := UploadResult{LocalPath: localPath, Filename: filepath.Base(localPath)}

	f, err := os.Open(localPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			res.Error = errFileNotFound
		} else {
			res.Error = errUploadFailed
		}
		slog.WarnContext(ctx, "artifact not readable", "path", localPath, "error", err)
		return res
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil || info.IsDir() {
		res.Error = errFileNotFound
		return res
	}

	contentType, err := sniff(f, localPath)
	if err != nil {
		res.Error = errUploadFailed
		slog.ErrorContext(ctx, "failed to read artifact", "path", localPath, "error", err)
		return res
	}

	now := c.now().UTC()
	key := c.objectKey(scope, res.Filename, contentType, now)
	url, err := c.store.Put(ctx, &storage.Object{
		Key:         key,
		Body:        f,
		Size:        info.Size(),
		ContentType: contentType,
		Metadata:    objectMetadata(metadata, scope, res.Filename, now),
	})
	if err != nil {
		res.Error = errUploadFailed
		slog.ErrorContext(ctx, "failed to upload artifact", "path", localPath, "key", key, "error", err)
		return res
	}

	slog.DebugContext(ctx, "artifact uploaded", "key", key, "size", info.Size())
	res.URL = url
	res.Key = key
	return res
}

// objectKey builds {prefix}/{kind}/{project}/{flow}/{YYYYMMDD_HHMMSS}_{rand8}{ext}.
func (c *Client) objectKey(scope Scope, filename, contentType string, at time.Time) string {
	kind := scope.Kind
	if kind == "" {
		kind = KindFile
	}
	name := fmt.Sprintf("%s_%s%s", at.Format("20060102_150405"), uuid.NewString()[:8], extension(filename, contentType))
	return path.Join(c.prefix, string(kind), scope.ProjectID, scope.FlowID, name)
}

func extension(filename, contentType string) string {
	if ext := filepath.Ext(filename); ext != "" {
		return strings.ToLower(ext)
	}
	switch {
	case strings.HasPrefix(contentType, "image/"):
		return ".png"
	case strings.HasPrefix(contentType, "video/"):
		return ".mp4"
	}
	if exts, _ := mime.ExtensionsByType(contentType); len(exts) > 0 {
		return exts[0]
	}
	return ""
}

// sniff guesses the content type from the extension, falling back to the
// first 512 bytes. f is rewound before returning.
func sniff(f io.ReadSeeker, name string) (string, error) {
	if ct := mime.TypeByExtension(filepath.Ext(name)); ct != "" {
		return ct, nil
	}
	head := make([]byte, 512)
	n, err := io.ReadFull(f, head)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
		return "", err
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return "", err
	}
	return http.DetectContentType(head[:n]), nil
}

func objectMetadata(extra map[string]string, scope Scope, filename string, at time.Time) map[string]string {
	md := make(map[string]string, len(extra)+4)
	for k, v := range extra {
		md[normalizeKey(k)] = v
	}
	md["project_id"] = scope.ProjectID
	md["flow_id"] = scope.FlowID
	md["upload_timestamp"] = at.Format(time.RFC3339)
	md["original_filename"] = filename
	return md
}

func normalizeKey(k string) string {
	return strings.NewReplacer("-", "_", " ", "_").Replace(strings.ToLower(k))
}

// DeleteFile removes the object stored under key.
func (c *Client) DeleteFile(ctx context.Context, key string) bool {
	if err := c.store.Delete(ctx, key); err != nil {
		slog.ErrorContext(ctx, "failed to delete artifact", "key", key, "error", err)
		return false
	}
	return true
}

// PresignURL returns a time-limited download URL for key.
func (c *Client) PresignURL(ctx context.Context, key string, ttl time.Duration) (string, bool) {
	url, err := c.store.PresignGet(ctx, key, ttl)
	if err != nil {
		slog.WarnContext(ctx, "failed to presign artifact", "key", key, "error", err)
		return "", false
	}
	return url, true
}

func (c *Client) HealthCheck(ctx context.Context) bool {
	if err := c.store.Ping(ctx); err != nil {
		slog.WarnContext(ctx, "object store health check failed", "error", err)
		return false
	}
	return true
}
