// Package services – fan-out delivery engine.
//
// This file implements the delivery of one buffered message to a list of
// target chats with per-target failure isolation: one target failing never
// prevents attempts on the others, and the result is the set of targets that
// failed after the configured retry policy was exhausted.
package services

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// MessageRef points at a message the administrator composed in their private
// conversation. The content itself stays with the platform; delivery asks the
// transport to reproduce the referenced message in each target chat.
type MessageRef struct {
	FromChatID int64
	MessageID  int
}

// Transport is the delivery collaborator: it reproduces referenced messages
// and sends plain text into chats. Implementations must apply their own call
// timeouts; any error is treated as a target-level failure, never a crash.
type Transport interface {
	// CopyMessage reproduces the referenced message in the target chat.
	CopyMessage(ctx context.Context, toChatID int64, ref MessageRef) error

	// SendText sends a plain text message to the target chat.
	SendText(ctx context.Context, chatID int64, text string) error
}

// RetryPolicy is an explicit, configurable retry: up to Attempts tries per
// target with a fixed Delay between them. Attempts <= 1 means no retry.
type RetryPolicy struct {
	Attempts int
	Delay    time.Duration
}

// DeliveryEngine fans one message out to many chats.
//
// Concurrency bounds how many targets are attempted in parallel; 1 keeps the
// registry-order sequential behavior. Failures are collected as a set keyed
// by chat id, so the result is order-independent either way.
type DeliveryEngine struct {
	Transport   Transport
	Concurrency int
	Retry       RetryPolicy
}

// Deliver attempts to reproduce ref in every target chat and returns the set
// of targets that failed, keyed by chat id with the final attempt's error.
// An empty result means full success. Deliver never fails as a whole.
func (e *DeliveryEngine) Deliver(ctx context.Context, ref MessageRef, targets []int64) map[int64]error {
	failed := make(map[int64]error)
	var mu sync.Mutex

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(e.concurrency())

	for _, chatID := range targets {
		chatID := chatID
		g.Go(func() error {
			err := e.withRetry(ctx, func(ctx context.Context) error {
				return e.Transport.CopyMessage(ctx, chatID, ref)
			})
			if err != nil {
				deliveriesTotal.WithLabelValues("failed").Inc()
				mu.Lock()
				failed[chatID] = err
				mu.Unlock()
				return nil // isolate: keep attempting the remaining targets
			}
			deliveriesTotal.WithLabelValues("ok").Inc()
			return nil
		})
	}
	_ = g.Wait() // workers never return errors

	return failed
}

// SendText sends plain text to a single chat under the same retry policy.
func (e *DeliveryEngine) SendText(ctx context.Context, chatID int64, text string) error {
	return e.withRetry(ctx, func(ctx context.Context) error {
		return e.Transport.SendText(ctx, chatID, text)
	})
}

// withRetry runs fn up to Retry.Attempts times, sleeping Retry.Delay between
// attempts and honoring context cancellation. The last error is returned.
func (e *DeliveryEngine) withRetry(ctx context.Context, fn func(context.Context) error) error {
	attempts := e.Retry.Attempts
	if attempts < 1 {
		attempts = 1
	}

	var err error
	for i := 0; i < attempts; i++ {
		if i > 0 && e.Retry.Delay > 0 {
			t := time.NewTimer(e.Retry.Delay)
			select {
			case <-ctx.Done():
				t.Stop()
				return ctx.Err()
			case <-t.C:
			}
		}
		if err = fn(ctx); err == nil {
			return nil
		}
	}
	return err
}

func (e *DeliveryEngine) concurrency() int {
	if e.Concurrency < 1 {
		return 1
	}
	return e.Concurrency
}
