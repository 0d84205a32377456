// Package natskv implements the cancellation registry on a NATS
// JetStream KV bucket, so a cancel request handled by one instance is
// observed by the instance executing the run.
package natskv

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/craftplan/craftplan/internal/config"
)

// Registry implements cancel.Registry backed by a JetStream KV bucket.
// Entries carry a bucket-level TTL as a backstop against leaked flags.
type Registry struct {
	nc *nats.Conn
	kv jetstream.KeyValue
}

// Connect establishes the NATS connection and ensures the KV bucket exists.
func Connect(ctx context.Context, cfg config.NATS) (*Registry, error) {
	nc, err := nats.Connect(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream init: %w", err)
	}

	kv, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket: cfg.CancelBucket,
		TTL:    cfg.CancelTTL,
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream kv bucket: %w", err)
	}

	slog.Info("nats cancellation registry connected", "url", cfg.URL, "bucket", cfg.CancelBucket)
	return &Registry{nc: nc, kv: kv}, nil
}

// Request marks the run as cancellation-requested.
func (r *Registry) Request(ctx context.Context, runID string) error {
	if _, err := r.kv.Put(ctx, runID, []byte("1")); err != nil {
		return fmt.Errorf("cancel request %s: %w", runID, err)
	}
	return nil
}

// IsCancelled reports whether cancellation was requested.
func (r *Registry) IsCancelled(ctx context.Context, runID string) (bool, error) {
	_, err := r.kv.Get(ctx, runID)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("cancel check %s: %w", runID, err)
	}
	return true, nil
}

// Clear removes the flag for the run.
func (r *Registry) Clear(ctx context.Context, runID string) error {
	err := r.kv.Delete(ctx, runID)
	if err != nil && !errors.Is(err, jetstream.ErrKeyNotFound) {
		return fmt.Errorf("cancel clear %s: %w", runID, err)
	}
	return nil
}

// Close drains the underlying NATS connection.
func (r *Registry) Close() {
	r.nc.Close()
}
