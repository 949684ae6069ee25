package panicerr

import (
	"context"

	"github.com/sourcegraph/conc/panics"
)

// Safe wraps fn so that a panic inside it is returned as an error instead of
// unwinding the calling goroutine.
func Safe(fn func() error) func() error {
	return func() error {
		var (
			catcher panics.Catcher
			err     error
		)
		catcher.Try(func() {
			err = fn()
		})
		if err != nil {
			return err
		}
		return catcher.Recovered().AsError()
	}
}

// SafeContext is Safe for functions that take a context.
func SafeContext(fn func(context.Context) error) func(context.Context) error {
	return func(ctx context.Context) error {
		return Safe(func() error { return fn(ctx) })()
	}
}

// Run invokes fn and reports a recovered panic as an error. The returned
// error carries the panic value and the stack of the panicking goroutine.
func Run(fn func()) error {
	var catcher panics.Catcher
	catcher.Try(fn)
	return catcher.Recovered().AsError()
}
