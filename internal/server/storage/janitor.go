package storage

import (
	"context"
	"log/slog"
	"time"

	"vault/internal/server/database"
)

// Janitor periodically reaps uploads that started but never finished:
// aborted transfers whose cleanup did not run, crashed requests, and any
// other unfinished blob older than the grace period. It removes the temp
// bytes, the blob record, and the invisible nodes still pointing at it.
type Janitor struct {
	blobs    *database.BlobRepository
	nodes    *database.NodeRepository
	store    Store
	interval time.Duration
	grace    time.Duration
	done     chan struct{}
}

// NewJanitor creates a new janitor service.
func NewJanitor(blobs *database.BlobRepository, nodes *database.NodeRepository, store Store, interval, grace time.Duration) *Janitor {
	return &Janitor{
		blobs:    blobs,
		nodes:    nodes,
		store:    store,
		interval: interval,
		grace:    grace,
		done:     make(chan struct{}),
	}
}

// Start begins the sweep loop in a background goroutine.
func (j *Janitor) Start(ctx context.Context) {
	slog.Info("janitor started", "interval", j.interval, "grace_period", j.grace)

	go func() {
		ticker := time.NewTicker(j.interval)
		defer ticker.Stop()

		// Run once immediately on start
		j.sweep(ctx)

		for {
			select {
			case <-ticker.C:
				j.sweep(ctx)
			case <-ctx.Done():
				slog.Info("janitor stopping")
				close(j.done)
				return
			}
		}
	}()
}

// Wait blocks until the janitor has fully stopped.
func (j *Janitor) Wait() {
	<-j.done
}

func (j *Janitor) sweep(ctx context.Context) {
	cutoff := time.Now().Add(-j.grace)

	stale, err := j.blobs.Unfinished(ctx, cutoff)
	if err != nil {
		slog.Error("failed to list unfinished blobs", "error", err)
		return
	}
	if len(stale) == 0 {
		return
	}

	var reaped, failed int
	for _, blob := range stale {
		if err := j.reap(ctx, blob); err != nil {
			slog.Error("failed to reap unfinished blob",
				"blob_id", blob.ID,
				"error", err,
			)
			failed++
			continue
		}
		reaped++
		slog.Info("reaped unfinished blob",
			"blob_id", blob.ID,
			"received", blob.Received,
			"started_at", blob.CreatedAt,
		)
	}

	slog.Info("janitor sweep complete",
		"reaped", reaped,
		"failed", failed,
		"total_stale", len(stale),
	)
}

func (j *Janitor) reap(ctx context.Context, blob *database.Blob) error {
	// Nodes pointing at an unfinished blob are invisible placeholders
	// created at upload start; they go first.
	nodes, err := j.nodes.NodesByBlob(ctx, blob.ID)
	if err != nil {
		return err
	}
	for _, n := range nodes {
		if err := j.nodes.Delete(ctx, n.ID); err != nil {
			return err
		}
	}

	// StoragePath still names the temp file for unfinished blobs.
	// Missing bytes mean the abort path already ran; that is fine.
	if blob.StoragePath != "" {
		if err := j.store.Remove(blob.StoragePath); err != nil {
			return err
		}
	}

	return j.blobs.Delete(ctx, blob.ID)
}
