// Copyright 2026 Google LLC
// SPDX-License-Identifier: Apache-2.0

package cache

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/pkg/errors"
)

func TestGetOrSetCoalesces(t *testing.T) {
	cache := &CoalescingMemoryCache{}
	var fetches atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			val, err := cache.GetOrSet("key", func() (any, error) {
				fetches.Add(1)
				return "value", nil
			})
			if err != nil || val != "value" {
				t.Errorf("GetOrSet() = %v, %v", val, err)
			}
		}()
	}
	wg.Wait()
	if n := fetches.Load(); n != 1 {
		t.Errorf("fetch ran %d times, want 1", n)
	}
}

func TestGetMissing(t *testing.T) {
	cache := &CoalescingMemoryCache{}
	if _, err := cache.Get("absent"); err != ErrNotExist {
		t.Errorf("Get() error = %v, want ErrNotExist", err)
	}
}

func TestErrorNotCached(t *testing.T) {
	cache := &CoalescingMemoryCache{}
	boom := errors.New("boom")
	if _, err := cache.GetOrSet("key", func() (any, error) { return nil, boom }); err != boom {
		t.Fatalf("GetOrSet() error = %v, want boom", err)
	}
	// The failed fetch must not stick.
	val, err := cache.GetOrSet("key", func() (any, error) { return "ok", nil })
	if err != nil || val != "ok" {
		t.Errorf("GetOrSet() after failure = %v, %v", val, err)
	}
}

func TestDel(t *testing.T) {
	cache := &CoalescingMemoryCache{}
	if _, err := cache.GetOrSet("key", func() (any, error) { return 1, nil }); err != nil {
		t.Fatal(err)
	}
	cache.Del("key")
	if _, err := cache.Get("key"); err != ErrNotExist {
		t.Errorf("Get() after Del = %v, want ErrNotExist", err)
	}
}
