// Copyright 2026 Google LLC
// SPDX-License-Identifier: Apache-2.0

// Package depotlock serializes mutating operations against a depot, both
// across processes (advisory file lock) and within one (per-depot
// semaphore).
package depotlock

import (
	"context"
	"os"
	"sync"

	"github.com/google/pkgdepot/internal/syncx"
	"github.com/google/pkgdepot/pkg/depot"
	"github.com/pkg/errors"
)

// sems holds one single-slot semaphore per lock path, process-wide. A
// channel rather than a mutex so acquisition can honor cancellation.
var sems syncx.Map[string, chan struct{}]

func semFor(key string) chan struct{} {
	s, _ := sems.LoadOrStore(key, make(chan struct{}, 1))
	return s
}

// Handle is a held lock. Release it exactly once; extra releases are safe.
type Handle struct {
	sem  chan struct{}
	file *os.File
	once sync.Once
}

// Release drops the file lock and the in-process slot.
func (h *Handle) Release() {
	h.once.Do(func() {
		if h.file != nil {
			unlock(h.file)
			h.file.Close()
		}
		<-h.sem
	})
}

func acquirePath(ctx context.Context, path string) (*Handle, error) {
	sem := semFor(path)
	select {
	case sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		<-sem
		return nil, errors.Wrap(err, "opening lock file")
	}
	done := make(chan error, 1)
	go func() { done <- lock(f) }()
	select {
	case err := <-done:
		if err != nil {
			f.Close()
			<-sem
			return nil, errors.Wrap(err, "locking file")
		}
		return &Handle{sem: sem, file: f}, nil
	case <-ctx.Done():
		// The pending flock is abandoned; closing the fd releases it
		// whenever the kernel grants it.
		go func() {
			if <-done == nil {
				unlock(f)
			}
			f.Close()
		}()
		<-sem
		return nil, ctx.Err()
	}
}

// Acquire takes the depot's in-process slot and then its advisory file
// lock, blocking until both are held or ctx is done.
func Acquire(ctx context.Context, d depot.Depot) (*Handle, error) {
	return acquirePath(ctx, d.LockPath())
}

// AcquireFile takes an advisory lock on an arbitrary lock file, creating it
// if needed. Used for fine-grained locks like per-install-target locks,
// where cross-process exclusion is required but the depot-wide lock is too
// coarse.
func AcquireFile(ctx context.Context, path string) (*Handle, error) {
	return acquirePath(ctx, path)
}

// With runs fn while holding the depot lock, releasing it on every exit
// path.
func With(ctx context.Context, d depot.Depot, fn func() error) error {
	h, err := Acquire(ctx, d)
	if err != nil {
		return err
	}
	defer h.Release()
	return fn()
}
