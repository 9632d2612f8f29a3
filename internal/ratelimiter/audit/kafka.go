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
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Producer is a minimal abstraction over a Kafka client. Implementations
// should enable an idempotent producer (enable.idempotence=true) and use
// EventID as the message key so broker-side dedup and per-key ordering
// are both preserved downstream.
type Producer interface {
	Produce(ctx context.Context, topic string, key []byte, value []byte, headers map[string]string) error
}

// KafkaSink publishes each audit event as a JSON message. It does not
// materialize any counters itself: consumers downstream of the topic are
// responsible for their own idempotent aggregation keyed by EventID.
type KafkaSink struct {
	producer       Producer
	topic          string
	defaultTimeout time.Duration
}

func NewKafkaSink(p Producer, topic string) *KafkaSink {
	return &KafkaSink{producer: p, topic: topic, defaultTimeout: 10 * time.Second}
}

// message is the JSON payload published to the topic. ScopeHash and
// PrincipalHash are the only identifiers carried: the topic is consumed
// by downstream systems that must never learn a raw principal.
type message struct {
	ScopeHash     string `json:"scope_hash"`
	PrincipalHash string `json:"principal_hash"`
	Policy        string `json:"policy"`
	Allowed       bool   `json:"allowed"`
	Remaining     int64  `json:"remaining"`
	EventID       string `json:"event_id"`
	TsUnixMs      int64  `json:"ts_unix_ms"`
}

func (k *KafkaSink) CommitBatch(ctx context.Context, events []Event) error {
	if len(events) == 0 {
		return nil
	}
	if _, ok := ctx.Deadline(); !ok && k.defaultTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, k.defaultTimeout)
		defer cancel()
	}
	for _, e := range events {
		if e.EventID == "" {
			return errors.New("audit: Event.EventID must be set")
		}
		msg := message{
			ScopeHash: e.ScopeHash, PrincipalHash: e.PrincipalHash, Policy: e.Policy,
			Allowed: e.Allowed, Remaining: e.Remaining,
			EventID: e.EventID, TsUnixMs: e.TsUnixMs,
		}
		b, err := json.Marshal(msg)
		if err != nil {
			return fmt.Errorf("marshal audit message: %w", err)
		}
		headers := map[string]string{"content-type": "application/json"}
		if err := k.producer.Produce(ctx, k.topic, []byte(e.EventID), b, headers); err != nil {
			return fmt.Errorf("kafka produce event=%s: %w", e.EventID, err)
		}
	}
	return nil
}

// LoggingProducer is a dependency-free stand-in for demos that have no
// broker available. Not for production use.
type LoggingProducer struct{}

func (LoggingProducer) Produce(ctx context.Context, topic string, key []byte, value []byte, headers map[string]string) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	fmt.Printf("[audit-kafka-demo] topic=%s key=%s value=%s\n", topic, string(key), value)
	return nil
}
