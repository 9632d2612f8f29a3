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
	"database/sql"
	"database/sql/driver"
	"errors"
	"strings"
	"testing"
)

// Minimal fake SQL driver to exercise PostgresSink's transaction and exec
// paths without a real Postgres server.

type fakeDB struct {
	execs         []string
	failBegin     error
	failCommit    error
	failExecAt    map[int]error
	rowsAffected  map[int]int64 // 1-based exec index -> RowsAffected override, default 1
	commitCount   int
	rollbackCount int
}

type fakeDriver struct{}
type fakeConn struct{ db *fakeDB }
type fakeTx struct {
	db     *fakeDB
	closed bool
}
type fakeResult struct{ n int64 }

func (r fakeResult) LastInsertId() (int64, error) { return 0, nil }
func (r fakeResult) RowsAffected() (int64, error) { return r.n, nil }

func (fakeDriver) Open(name string) (driver.Conn, error) { return &fakeConn{db: testFakeDB}, nil }

func (c *fakeConn) Prepare(query string) (driver.Stmt, error) { return nil, errors.New("not supported") }
func (c *fakeConn) Close() error                              { return nil }
func (c *fakeConn) Begin() (driver.Tx, error) {
	return c.BeginTx(context.Background(), driver.TxOptions{})
}
func (c *fakeConn) BeginTx(ctx context.Context, opts driver.TxOptions) (driver.Tx, error) {
	if c.db.failBegin != nil {
		return nil, c.db.failBegin
	}
	return &fakeTx{db: c.db}, nil
}
func (c *fakeConn) ExecContext(ctx context.Context, query string, args []driver.NamedValue) (driver.Result, error) {
	c.db.execs = append(c.db.execs, query)
	idx := len(c.db.execs)
	if c.db.failExecAt != nil {
		if err, ok := c.db.failExecAt[idx]; ok {
			return nil, err
		}
	}
	n := int64(1)
	if c.db.rowsAffected != nil {
		if v, ok := c.db.rowsAffected[idx]; ok {
			n = v
		}
	}
	return fakeResult{n: n}, nil
}

func (t *fakeTx) Commit() error {
	if t.closed {
		return errors.New("already closed")
	}
	t.db.commitCount++
	t.closed = true
	return t.db.failCommit
}
func (t *fakeTx) Rollback() error {
	if t.closed {
		return nil
	}
	t.db.rollbackCount++
	t.closed = true
	return nil
}

var testFakeDB *fakeDB
var fakeDriverRegistered bool

func newSQLDBWithFake(db *fakeDB) *sql.DB {
	if !fakeDriverRegistered {
		sql.Register("ratewall-audit-fakesql", fakeDriver{})
		fakeDriverRegistered = true
	}
	testFakeDB = db
	d, _ := sql.Open("ratewall-audit-fakesql", "")
	return d
}

func TestPostgresSink_Empty(t *testing.T) {
	db := newSQLDBWithFake(&fakeDB{})
	s := NewPostgresSink(db)
	if err := s.CommitBatch(context.Background(), nil); err != nil {
		t.Fatalf("unexpected: %v", err)
	}
}

func TestPostgresSink_MissingEventID_RollsBack(t *testing.T) {
	f := &fakeDB{}
	db := newSQLDBWithFake(f)
	s := NewPostgresSink(db)
	err := s.CommitBatch(context.Background(), []Event{{ScopeHash: "s", PrincipalHash: "pa"}})
	if err == nil || !strings.Contains(err.Error(), "EventID must be set") {
		t.Fatalf("unexpected err: %v", err)
	}
	if f.rollbackCount != 1 || f.commitCount != 0 {
		t.Fatalf("expected rollback only, got c=%d r=%d", f.commitCount, f.rollbackCount)
	}
}

func TestPostgresSink_AppliesCountersOnNewEvent(t *testing.T) {
	f := &fakeDB{}
	db := newSQLDBWithFake(f)
	s := NewPostgresSink(db)
	events := []Event{
		{ScopeHash: "s", PrincipalHash: "p1", EventID: "e1", Allowed: true},
		{ScopeHash: "s", PrincipalHash: "p2", EventID: "e2", Allowed: false},
	}
	if err := s.CommitBatch(context.Background(), events); err != nil {
		t.Fatalf("unexpected: %v", err)
	}
	if f.commitCount != 1 || f.rollbackCount != 0 {
		t.Fatalf("commit/rollback mismatch: %d/%d", f.commitCount, f.rollbackCount)
	}
	var hasAllowedUpdate, hasBlockedUpdate bool
	for _, q := range f.execs {
		if strings.Contains(q, "SET allowed = allowed + 1") {
			hasAllowedUpdate = true
		}
		if strings.Contains(q, "SET blocked = blocked + 1") {
			hasBlockedUpdate = true
		}
	}
	if !hasAllowedUpdate || !hasBlockedUpdate {
		t.Fatalf("expected both allowed and blocked counter updates, got: %v", f.execs)
	}
}

func TestPostgresSink_DuplicateEventSkipsCounterUpdate(t *testing.T) {
	// Exec order per event: insert counters row, insert applied_audit_events
	// (index 2), update counter. rowsAffected=0 on the applied_audit_events
	// insert simulates a retried EventID already seen.
	f := &fakeDB{rowsAffected: map[int]int64{2: 0}}
	db := newSQLDBWithFake(f)
	s := NewPostgresSink(db)
	if err := s.CommitBatch(context.Background(), []Event{{ScopeHash: "s", PrincipalHash: "p", EventID: "e-retry", Allowed: true}}); err != nil {
		t.Fatalf("unexpected: %v", err)
	}
	for _, q := range f.execs {
		if strings.Contains(q, "SET allowed = allowed + 1") {
			t.Fatalf("counter update must be skipped for a duplicate EventID, execs: %v", f.execs)
		}
	}
}

func TestPostgresSink_ExecError_Rollback(t *testing.T) {
	f := &fakeDB{failExecAt: map[int]error{1: errors.New("boom")}}
	db := newSQLDBWithFake(f)
	s := NewPostgresSink(db)
	err := s.CommitBatch(context.Background(), []Event{{ScopeHash: "s", PrincipalHash: "p", EventID: "e1"}})
	if err == nil || !strings.Contains(err.Error(), "boom") {
		t.Fatalf("unexpected err: %v", err)
	}
	if f.rollbackCount != 1 || f.commitCount != 0 {
		t.Fatalf("expected rollback only, got c=%d r=%d", f.commitCount, f.rollbackCount)
	}
}
