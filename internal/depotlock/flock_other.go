// Copyright 2026 Google LLC
// SPDX-License-Identifier: Apache-2.0

//go:build !unix

package depotlock

import "os"

// Non-unix hosts fall back to in-process locking only.
func lock(f *os.File) error   { return nil }
func unlock(f *os.File) error { return nil }
