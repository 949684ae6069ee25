package executor

import (
	"context"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// collector records artifact files created under a scratch dir while the
// agent runs. A final walk picks up anything the watcher missed.
type collector struct {
	root   string
	match  func(name string) bool
	mu     sync.Mutex
	seen   map[string]struct{}
	cancel context.CancelFunc
	done   chan struct{}
}

func newCollector(root string, match func(string) bool) *collector {
	return &collector{
		root:  root,
		match: match,
		seen:  make(map[string]struct{}),
		done:  make(chan struct{}),
	}
}

func (c *collector) start(ctx context.Context) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		slog.WarnContext(ctx, "artifact watcher unavailable, falling back to directory walk", "error", err)
		close(c.done)
		return
	}
	if err := watcher.Add(c.root); err != nil {
		slog.WarnContext(ctx, "failed to watch scratch dir", "dir", c.root, "error", err)
		watcher.Close()
		close(c.done)
		return
	}

	ctx, c.cancel = context.WithCancel(ctx)
	go func() {
		defer close(c.done)
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
					continue
				}
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					_ = watcher.Add(event.Name)
					continue
				}
				c.record(event.Name)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				slog.DebugContext(ctx, "artifact watcher error", "error", err)
			}
		}
	}()
}

func (c *collector) record(path string) {
	if !c.match(path) {
		return
	}
	c.mu.Lock()
	c.seen[path] = struct{}{}
	c.mu.Unlock()
}

func (c *collector) stop() {
	if c.cancel != nil {
		c.cancel()
	}
	<-c.done
}

// files stops watching, walks the tree once more and returns the artifacts
// that still exist, sorted.
func (c *collector) files() []string {
	c.stop()
	_ = filepath.WalkDir(c.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		c.record(path)
		return nil
	})

	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.seen))
	for p := range c.seen {
		if info, err := os.Stat(p); err == nil && !info.IsDir() {
			out = append(out, p)
		}
	}
	slices.Sort(out)
	return out
}
