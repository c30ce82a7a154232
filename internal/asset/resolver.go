// Package asset stages timeline-referenced media from the blob store
// into a job-scoped local directory for the render pipeline.
package asset

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/framecut/api/internal/client"
)

// MissingError names an asset the blob store does not have. It is
// fatal: the job fails without retry, carrying the id.
type MissingError struct {
	AssetID string
}

func (e *MissingError) Error() string {
	return fmt.Sprintf("asset %s not found in blob store", e.AssetID)
}

// Resolver downloads referenced assets concurrently, bounded by a
// configurable fan-out limit.
type Resolver struct {
	storage client.StorageClient
	workDir string
	fanout  int
}

func NewResolver(storage client.StorageClient, workDir string, fanout int) *Resolver {
	if fanout < 1 {
		fanout = 1
	}
	return &Resolver{storage: storage, workDir: workDir, fanout: fanout}
}

// StagingDir returns the job-scoped directory holding resolved copies.
func (r *Resolver) StagingDir(jobID string) string {
	return filepath.Join(r.workDir, "jobs", jobID, "assets")
}

// Resolve fetches every asset id into the job's staging area and
// returns id → local path. Any missing asset fails the whole
// resolution with a MissingError naming the id. Re-invocation is
// idempotent: a previously staged nonzero file is kept as-is, so a
// redelivered job attempt does not re-download.
func (r *Resolver) Resolve(ctx context.Context, jobID string, ids []string) (map[string]string, error) {
	dir := r.StagingDir(jobID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create staging area: %w", err)
	}

	// Deterministic fetch order keeps logs and failures stable.
	sorted := append([]string(nil), ids...)
	sort.Strings(sorted)

	var mu sync.Mutex
	paths := make(map[string]string, len(sorted))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.fanout)
	for _, id := range sorted {
		id := id
		g.Go(func() error {
			path, err := r.fetch(gctx, dir, id)
			if err != nil {
				return err
			}
			mu.Lock()
			paths[id] = path
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return paths, nil
}

func (r *Resolver) fetch(ctx context.Context, dir, id string) (string, error) {
	path := filepath.Join(dir, id)

	if fi, err := os.Stat(path); err == nil && fi.Size() > 0 {
		return path, nil
	}

	tmp, err := os.CreateTemp(dir, id+".part-*")
	if err != nil {
		return "", fmt.Errorf("stage asset %s: %w", id, err)
	}
	defer os.Remove(tmp.Name())

	_, err = r.storage.Download(ctx, assetKey(id), tmp)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		if isNotFound(err) {
			return "", &MissingError{AssetID: id}
		}
		return "", err
	}

	if err := os.Rename(tmp.Name(), path); err != nil {
		return "", fmt.Errorf("stage asset %s: %w", id, err)
	}
	return path, nil
}

// Cleanup removes the entire job-scoped staging area.
func (r *Resolver) Cleanup(jobID string) error {
	return os.RemoveAll(filepath.Join(r.workDir, "jobs", jobID))
}

func assetKey(id string) string {
	return "assets/" + id
}

func isNotFound(err error) bool {
	return errors.Is(err, client.ErrObjectNotFound)
}
