// Copyright 2025 The Ratewall Authors.
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

package ratewall

import "sync"

// Global exposes an optional process-wide "current limiter" slot for
// framework integrations that have no natural place to thread an explicit
// *Limiter through (spec.md §9). It is entirely opt-in: nothing in this
// package reads it, and a process that never calls SetGlobal behaves as if
// it did not exist. Prefer passing a *Limiter explicitly wherever the
// caller's code structure allows it.
var globalRegistry struct {
	mu sync.RWMutex
	l  *Limiter
}

// SetGlobal installs l as the process-wide current limiter. It returns a
// *ConfigError if a limiter is already registered: callers that legitimately
// want to replace it must ClearGlobal first, so a double-set is always a
// deliberate decision rather than two init paths racing each other.
func SetGlobal(l *Limiter) error {
	globalRegistry.mu.Lock()
	defer globalRegistry.mu.Unlock()
	if globalRegistry.l != nil {
		return configErr("global", "a limiter is already registered; call ClearGlobal first")
	}
	globalRegistry.l = l
	return nil
}

// Global returns the process-wide current limiter, or nil if none has been
// registered.
func Global() *Limiter {
	globalRegistry.mu.RLock()
	defer globalRegistry.mu.RUnlock()
	return globalRegistry.l
}

// ClearGlobal removes the process-wide current limiter, if any. It does not
// call Shutdown on it: ownership of the limiter's lifecycle stays with
// whoever constructed it.
func ClearGlobal() {
	globalRegistry.mu.Lock()
	defer globalRegistry.mu.Unlock()
	globalRegistry.l = nil
}
