// Copyright 2026 Google LLC
// SPDX-License-Identifier: Apache-2.0

package syncx

import "testing"

func TestMap(t *testing.T) {
	var m Map[string, int]
	if _, ok := m.Load("a"); ok {
		t.Error("Load() on empty map reported ok")
	}
	m.Store("a", 1)
	if v, ok := m.Load("a"); !ok || v != 1 {
		t.Errorf("Load(a) = %d, %v", v, ok)
	}
	if v, loaded := m.LoadOrStore("a", 2); !loaded || v != 1 {
		t.Errorf("LoadOrStore(a) = %d, %v, want existing 1", v, loaded)
	}
	if v, loaded := m.LoadOrStore("b", 2); loaded || v != 2 {
		t.Errorf("LoadOrStore(b) = %d, %v, want stored 2", v, loaded)
	}
	seen := map[string]int{}
	m.Range(func(k string, v int) bool {
		seen[k] = v
		return true
	})
	if len(seen) != 2 || seen["a"] != 1 || seen["b"] != 2 {
		t.Errorf("Range saw %v", seen)
	}
	m.Delete("a")
	if _, ok := m.Load("a"); ok {
		t.Error("Load() after Delete reported ok")
	}
}
