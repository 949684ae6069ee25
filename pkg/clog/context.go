package clog

import (
	"context"
	"maps"
	"sync"
)

const (
	ErrorAttributeKey = "error.message"
	StackAttributeKey = "error.stack"
)

type ctxSlogKey struct{}

// attributeSet is a mutable bag of log attributes carried by a context.
// Handlers further down the call chain add correlation data to it and the
// AttributesHandler attaches everything to each record logged with that
// context.
type attributeSet struct {
	mu    sync.RWMutex
	attrs map[string]any
}

// ContextWithSlog returns a child context that carries a fresh attribute set.
// Attributes already present on ctx are copied so nested scopes inherit the
// correlation ids of their parent.
func ContextWithSlog(ctx context.Context) context.Context {
	set := &attributeSet{attrs: make(map[string]any)}
	if parent, ok := ctx.Value(ctxSlogKey{}).(*attributeSet); ok {
		set.attrs = parent.snapshot()
	}
	return context.WithValue(ctx, ctxSlogKey{}, set)
}

func AddAttribute(ctx context.Context, key string, value any) {
	set, ok := ctx.Value(ctxSlogKey{}).(*attributeSet)
	if !ok {
		return
	}
	set.mu.Lock()
	defer set.mu.Unlock()
	set.attrs[key] = value
}

func AddAttributes(ctx context.Context, attributes map[string]any) {
	set, ok := ctx.Value(ctxSlogKey{}).(*attributeSet)
	if !ok {
		return
	}
	set.mu.Lock()
	defer set.mu.Unlock()
	merge(set.attrs, attributes)
}

func GetAttribute[T any](ctx context.Context, key string) T {
	var zero T
	set, ok := ctx.Value(ctxSlogKey{}).(*attributeSet)
	if !ok {
		return zero
	}
	set.mu.RLock()
	v, ok := set.attrs[key]
	set.mu.RUnlock()
	if !ok {
		return zero
	}
	typed, ok := v.(T)
	if !ok {
		return zero
	}
	return typed
}

func GetAttributes(ctx context.Context) map[string]any {
	set, ok := ctx.Value(ctxSlogKey{}).(*attributeSet)
	if !ok {
		return nil
	}
	return set.snapshot()
}

func AddError(ctx context.Context, err error) {
	AddAttribute(ctx, ErrorAttributeKey, err)
}

func GetError(ctx context.Context) error {
	return GetAttribute[error](ctx, ErrorAttributeKey)
}

func AddStack(ctx context.Context, stack string) {
	AddAttribute(ctx, StackAttributeKey, stack)
}

// WithCorrelation scopes ctx with the identifiers that tie a queue message to
// the task it spawned. Empty values are skipped.
func WithCorrelation(ctx context.Context, ids map[string]string) context.Context {
	ctx = ContextWithSlog(ctx)
	attrs := make(map[string]any, len(ids))
	for k, v := range ids {
		if v != "" {
			attrs[k] = v
		}
	}
	AddAttributes(ctx, attrs)
	return ctx
}

func (s *attributeSet) snapshot() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return maps.Clone(s.attrs)
}

func merge(dst, src map[string]any) {
	for k, v := range src {
		sub, ok := v.(map[string]any)
		if !ok {
			dst[k] = v
			continue
		}
		if existing, ok := dst[k].(map[string]any); ok {
			merge(existing, sub)
			continue
		}
		dst[k] = sub
	}
}
