package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// fakeTx implements the parts of pgx.Tx that InTx touches.
type fakeTx struct {
	pgx.Tx
	committed  bool
	rolledBack bool
	commitErr  error
}

func (t *fakeTx) Commit(context.Context) error {
	if t.commitErr != nil {
		return t.commitErr
	}
	t.committed = true
	return nil
}

func (t *fakeTx) Rollback(context.Context) error {
	if t.committed {
		return pgx.ErrTxClosed
	}
	t.rolledBack = true
	return nil
}

type fakeDB struct {
	tx       *fakeTx
	begins   int
	beginErr error
	execSQL  []string
}

func (d *fakeDB) Exec(_ context.Context, sql string, _ ...any) (pgconn.CommandTag, error) {
	d.execSQL = append(d.execSQL, sql)
	return pgconn.NewCommandTag("CREATE TABLE"), nil
}

func (d *fakeDB) Query(context.Context, string, ...any) (pgx.Rows, error) {
	return nil, errors.New("not implemented")
}

func (d *fakeDB) QueryRow(context.Context, string, ...any) pgx.Row {
	return nil
}

func (d *fakeDB) Begin(context.Context) (pgx.Tx, error) {
	if d.beginErr != nil {
		return nil, d.beginErr
	}
	d.begins++
	return d.tx, nil
}

func TestInTx_commitsOnSuccess(t *testing.T) {
	db := &fakeDB{tx: &fakeTx{}}

	err := InTx(context.Background(), db, func(ctx context.Context) error {
		if TxFrom(ctx) == nil {
			t.Error("fn should see the transaction in its context")
		}
		if Conn(ctx, db) != db.tx {
			t.Error("Conn should return the transaction inside InTx")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("InTx() error = %v", err)
	}
	if !db.tx.committed {
		t.Error("transaction should be committed")
	}
	if db.tx.rolledBack {
		t.Error("committed transaction should not be rolled back")
	}
}

func TestInTx_rollsBackOnError(t *testing.T) {
	db := &fakeDB{tx: &fakeTx{}}
	boom := errors.New("boom")

	err := InTx(context.Background(), db, func(context.Context) error { return boom })
	if !errors.Is(err, boom) {
		t.Fatalf("InTx() error = %v, want boom", err)
	}
	if db.tx.committed {
		t.Error("failed transaction should not be committed")
	}
	if !db.tx.rolledBack {
		t.Error("failed transaction should be rolled back")
	}
}

func TestInTx_commitFailure(t *testing.T) {
	db := &fakeDB{tx: &fakeTx{commitErr: errors.New("serialization failure")}}

	err := InTx(context.Background(), db, func(context.Context) error { return nil })
	if err == nil || !strings.Contains(err.Error(), "commit transaction") {
		t.Fatalf("InTx() error = %v, want commit error", err)
	}
}

func TestInTx_beginFailure(t *testing.T) {
	db := &fakeDB{beginErr: errors.New("pool closed")}

	called := false
	err := InTx(context.Background(), db, func(context.Context) error {
		called = true
		return nil
	})
	if err == nil {
		t.Fatal("InTx() should fail when Begin fails")
	}
	if called {
		t.Error("fn should not run without a transaction")
	}
}

func TestInTx_joinsOuterTransaction(t *testing.T) {
	outer := &fakeTx{}
	db := &fakeDB{tx: &fakeTx{}}
	ctx := WithTx(context.Background(), outer)

	err := InTx(ctx, db, func(ctx context.Context) error {
		if TxFrom(ctx) != outer {
			t.Error("nested InTx should reuse the outer transaction")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("InTx() error = %v", err)
	}
	if db.begins != 0 {
		t.Errorf("Begin called %d times, want 0", db.begins)
	}
	if outer.committed {
		t.Error("nested InTx must leave the commit to the outer caller")
	}
}

func TestConn_withoutTransaction(t *testing.T) {
	db := &fakeDB{}
	if Conn(context.Background(), db) != db {
		t.Error("Conn without a transaction should return the pool")
	}
}

func TestMigrate_appliesSchema(t *testing.T) {
	db := &fakeDB{}
	if err := Migrate(context.Background(), db); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}
	if len(db.execSQL) != 1 {
		t.Fatalf("Exec called %d times, want 1", len(db.execSQL))
	}
	for _, table := range []string{"flow_templates", "approval_requests", "approval_steps", "audit_log", "user_roles"} {
		if !strings.Contains(db.execSQL[0], table) {
			t.Errorf("schema missing table %s", table)
		}
	}
}

func TestIsUniqueViolation(t *testing.T) {
	dup := &pgconn.PgError{Code: "23505"}
	if !IsUniqueViolation(fmt.Errorf("insert step: %w", dup)) {
		t.Error("wrapped 23505 should be a unique violation")
	}
	if IsUniqueViolation(&pgconn.PgError{Code: "23503"}) {
		t.Error("foreign key violation is not a unique violation")
	}
	if IsUniqueViolation(errors.New("plain")) {
		t.Error("plain error is not a unique violation")
	}
}

type fakePinger struct{ err error }

func (p fakePinger) Ping(context.Context) error { return p.err }

func TestHealthChecker(t *testing.T) {
	if err := NewHealthChecker(fakePinger{}).HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck() = %v, want nil", err)
	}
	if err := NewHealthChecker(fakePinger{err: errors.New("down")}).HealthCheck(context.Background()); err == nil {
		t.Error("HealthCheck() should fail when ping fails")
	}
}
