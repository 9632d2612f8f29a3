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

package audit

import (
	"context"
	"log"
)

// MockSink logs each batch instead of persisting it. It is the default
// Sink for demos and tests that have no durable backend wired up.
type MockSink struct{}

func (MockSink) CommitBatch(ctx context.Context, events []Event) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	for _, e := range events {
		log.Printf("[audit] policy=%s principal_hash=%s allowed=%v remaining=%d id=%s", e.Policy, e.PrincipalHash, e.Allowed, e.Remaining, e.EventID)
	}
	return nil
}
