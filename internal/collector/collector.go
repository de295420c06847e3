// Package collector implements the Result Collector & Cleanup: once a task
// reaches a terminal status it drains any remaining bus output, archives the
// task's working directory, records the archive in the task's audit log, and
// tears down scoped resources. It does not write a results summary to the
// task record. Stream deletion is deferred to a separate retention
// sweep (Sweep) so a client can still read a task's final output shortly
// after it finishes.
package collector

import (
	"archive/zip"
	"bytes"
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"flowrunner/internal/bus"
	"flowrunner/internal/objectstore"
	"flowrunner/internal/store"
)

// Collector finalizes terminal tasks.
type Collector struct {
	bus       *bus.Bus
	store     *store.Store
	objStore  objectstore.Store
	logger    *slog.Logger
	drainWait time.Duration
}

// New builds a Collector. drainWait bounds how long Finalize waits for the
// child's last envelopes to land on the bus before archiving.
func New(b *bus.Bus, st *store.Store, objStore objectstore.Store, drainWait time.Duration, logger *slog.Logger) *Collector {
	return &Collector{bus: b, store: st, objStore: objStore, drainWait: drainWait, logger: logger}
}

// Finalize runs the cleanup sequence for a task that has just reached a
// terminal status. Cleanup failures are logged, never surfaced as a change
// to the task's terminal status.
func (c *Collector) Finalize(ctx context.Context, taskID, workDir string) {
	drainCtx, cancel := context.WithTimeout(ctx, c.drainWait)
	_, _, _ = c.bus.Follow(drainCtx, taskID, "$", c.drainWait.Milliseconds())
	cancel()

	archiveKey, err := c.archive(ctx, taskID, workDir)
	if err != nil {
		c.logger.Warn("collector: failed to archive working directory", "task_id", taskID, "error", err)
	} else if archiveKey != "" {
		_ = c.store.AppendAudit(ctx, taskID, "archived", archiveKey)
	}

	if workDir != "" {
		if err := os.RemoveAll(workDir); err != nil {
			c.logger.Warn("collector: failed to remove working directory", "task_id", taskID, "error", err)
		}
	}

	_ = c.store.AppendAudit(ctx, taskID, "finalized", "")
}

// archive zips workDir (if present) and uploads it under the task's id,
// returning the object key, or "" if there was nothing to archive.
func (c *Collector) archive(ctx context.Context, taskID, workDir string) (string, error) {
	if workDir == "" {
		return "", nil
	}
	entries, err := os.ReadDir(workDir)
	if err != nil || len(entries) == 0 {
		return "", err
	}

	buf := &bytes.Buffer{}
	zw := zip.NewWriter(buf)
	err = filepath.Walk(workDir, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return err
		}
		rel, err := filepath.Rel(workDir, path)
		if err != nil {
			return err
		}
		w, err := zw.Create(rel)
		if err != nil {
			return err
		}
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(w, f)
		return err
	})
	if err != nil {
		zw.Close()
		return "", err
	}
	if err := zw.Close(); err != nil {
		return "", err
	}

	key := archiveKey(taskID)
	if _, err := c.objStore.Put(ctx, key, buf, "application/zip"); err != nil {
		return "", err
	}
	return key, nil
}

// Download opens a task's archived results.
func (c *Collector) Download(ctx context.Context, taskID string) (io.ReadCloser, error) {
	return c.objStore.Get(ctx, archiveKey(taskID))
}

func archiveKey(taskID string) string {
	return "results/" + taskID + ".zip"
}

// Sweep deletes the per-task streams and archive for every task whose
// retention window has elapsed, per the configurable-retention cleanup step.
func (c *Collector) Sweep(ctx context.Context, retention time.Duration) (int, error) {
	cutoff := time.Now().Add(-retention)
	expired, err := c.store.ExpiredTasks(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	swept := 0
	for _, task := range expired {
		if err := c.bus.Cleanup(ctx, task.ID); err != nil {
			c.logger.Warn("sweep: failed to clean up streams", "task_id", task.ID, "error", err)
			continue
		}
		if err := c.objStore.Delete(ctx, archiveKey(task.ID)); err != nil {
			c.logger.Debug("sweep: no archive to delete", "task_id", task.ID, "error", err)
		}
		swept++
	}
	return swept, nil
}
