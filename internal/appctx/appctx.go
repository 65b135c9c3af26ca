// Package appctx provides the signal-driven run loop every cmd/* binary
// uses, generalized from yncp-director/main.go's WaitInterrupted +
// errgroup pairing so each sample binary doesn't hand-roll its own copy.
package appctx

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"
)

// Interrupted is returned by Run when SIGINT/SIGTERM stopped it.
type Interrupted struct {
	os.Signal
}

func (m Interrupted) Error() string { return m.String() }

// Run starts fn alongside a signal watcher and returns once either one
// finishes: fn returning (nil or an error) stops the watcher via ctx
// cancellation, and a caught SIGINT/SIGTERM cancels ctx and asks fn to
// return by way of its own ctx.Done() check. A clean Interrupted exit
// is not treated as an error by callers that check errors.Is.
func Run(ctx context.Context, fn func(ctx context.Context) error) error {
	wg, ctx := errgroup.WithContext(ctx)
	wg.Go(func() error {
		return fn(ctx)
	})
	wg.Go(func() error {
		return waitInterrupted(ctx)
	})
	if err := wg.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func waitInterrupted(ctx context.Context) error {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(ch)

	select {
	case sig := <-ch:
		return Interrupted{Signal: sig}
	case <-ctx.Done():
		return ctx.Err()
	}
}
