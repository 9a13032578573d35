// Copyright 2024 The mergerfs Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package cache provides the small caches mergerfs keeps between kernel
// requests.
//
// Currently provides:
// - TTLCache: keyed values with a live-adjustable time-to-live (used for
//   statvfs results consulted by create policies)
//
// File data and attributes are never cached here; the kernel page and
// attribute caches own that.
package cache

import "os"

// Disabled controls whether all caching mechanisms are disabled.
// Set via MERGERFS_CACHE=0 environment variable.
// When true:
// - TTLCache.Get() always misses
// - TTLCache.Set() is a no-op
var Disabled = os.Getenv("MERGERFS_CACHE") == "0"

