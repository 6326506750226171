package storepg

import (
	"context"
	"fmt"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"settld/core/chainlog"
	"settld/core/store"
)

func setupSQLiteTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	return db
}

func TestNewSQLiteCommitsSessionAndAppendsEvent(t *testing.T) {
	db := setupSQLiteTestDB(t)
	p, err := NewSQLite(db)
	if err != nil {
		t.Fatalf("NewSQLite: %v", err)
	}

	ctx := context.Background()
	sess := store.Session{SessionID: "sess_1", TenantID: "tenant_a", Visibility: "tenant", CreatedAt: "2026-01-01T00:00:00Z"}
	if err := p.CommitTx(ctx, store.Batch{At: "2026-01-01T00:00:00Z", Ops: []store.Op{store.SessionCreateOp{Session: sess}}}); err != nil {
		t.Fatalf("create session: %v", err)
	}

	draft := chainlog.CreateEvent(chainlog.CreateEventInput{
		StreamID: "sess_1", Type: "session.updated", Actor: "agent_a",
		Payload: map[string]any{}, At: "2026-01-01T00:00:01Z", ID: "evt_1",
	})
	if err := p.CommitTx(ctx, store.Batch{At: "2026-01-01T00:00:01Z", Ops: []store.Op{store.SessionAppendEventOp{SessionID: "sess_1", Draft: draft}}}); err != nil {
		t.Fatalf("append event: %v", err)
	}

	got, err := p.GetSession(ctx, "tenant_a", "sess_1")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if got.LastEventID != "evt_1" {
		t.Fatalf("expected lastEventId evt_1, got %s", got.LastEventID)
	}
}

func TestNewSQLiteSkipsPostgresIsolationStatement(t *testing.T) {
	db := setupSQLiteTestDB(t)
	p, err := NewSQLite(db)
	if err != nil {
		t.Fatalf("NewSQLite: %v", err)
	}
	if p.dialect != "sqlite" {
		t.Fatalf("expected sqlite dialect, got %q", p.dialect)
	}

	ctx := context.Background()
	sess := store.Session{SessionID: "sess_2", TenantID: "tenant_a", Visibility: "tenant", CreatedAt: "2026-01-01T00:00:00Z"}
	if err := p.CommitTx(ctx, store.Batch{At: "2026-01-01T00:00:00Z", Ops: []store.Op{store.SessionCreateOp{Session: sess}}}); err != nil {
		t.Fatalf("expected sqlite commit to succeed without SET TRANSACTION ISOLATION LEVEL, got: %v", err)
	}
}
