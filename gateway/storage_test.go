package gateway

import (
	"context"
	"errors"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/tomassalina/koopay/projects"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "gateway.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

// The gateway store and the projects store must share one sqlite driver
// registration; the daemon links both in a single process.
func TestStoreCoexistsWithProjectsStore(t *testing.T) {
	dir := t.TempDir()
	store := newTestStore(t)

	ps, err := projects.Open(filepath.Join(dir, "projects.db"))
	if err != nil {
		t.Fatalf("open projects store: %v", err)
	}
	t.Cleanup(func() { ps.Close() })

	ctx := context.Background()
	if err := store.InsertAuditLog(ctx, AuditEntry{Method: "GET", Path: "/healthz", Status: 200}); err != nil {
		t.Fatalf("audit insert: %v", err)
	}
	if err := ps.Create(&projects.Project{EngagementID: "eng-coexist", Title: "Coexist"}); err != nil {
		t.Fatalf("project create: %v", err)
	}
}

func TestIdempotencyLifecycle(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	cached, err := store.LookupIdempotency(ctx, "key-1", "idem-1", "hash-a")
	if err != nil || cached != nil {
		t.Fatalf("unseen key: cached %+v, err %v", cached, err)
	}

	body := []byte(`{"contractId":"C1"}`)
	if err := store.SaveIdempotency(ctx, "key-1", "idem-1", "hash-a", http.StatusOK, body); err != nil {
		t.Fatalf("save: %v", err)
	}

	cached, err = store.LookupIdempotency(ctx, "key-1", "idem-1", "hash-a")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if cached.Status != http.StatusOK || string(cached.Body) != string(body) {
		t.Fatalf("cached = %+v", cached)
	}
}

func TestIdempotencyMismatch(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.SaveIdempotency(ctx, "key-1", "idem-1", "hash-a", http.StatusOK, []byte("{}")); err != nil {
		t.Fatalf("save: %v", err)
	}
	_, err := store.LookupIdempotency(ctx, "key-1", "idem-1", "hash-b")
	if !errors.Is(err, ErrIdempotencyMismatch) {
		t.Fatalf("err = %v, want ErrIdempotencyMismatch", err)
	}
}

func TestIdempotencyScopedByAPIKey(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.SaveIdempotency(ctx, "key-1", "idem-1", "hash-a", http.StatusOK, []byte("{}")); err != nil {
		t.Fatalf("save: %v", err)
	}
	// Another caller may reuse the same key value freely.
	cached, err := store.LookupIdempotency(ctx, "key-2", "idem-1", "hash-b")
	if err != nil || cached != nil {
		t.Fatalf("foreign key: cached %+v, err %v", cached, err)
	}
}

func TestAuditLogInsert(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	entries := []AuditEntry{
		{Actor: "koo1wallet", Method: "POST", Path: "/escrow/fund", Action: "fund", ContractID: "C1", Status: 200},
		{Method: "GET", Path: "/escrows", Status: 200, Timestamp: time.Unix(1_700_000_000, 0).UTC()},
	}
	for _, entry := range entries {
		if err := store.InsertAuditLog(ctx, entry); err != nil {
			t.Fatalf("insert %+v: %v", entry, err)
		}
	}

	var count int
	if err := store.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM audit_log`).Scan(&count); err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 2 {
		t.Fatalf("rows = %d, want 2", count)
	}

	var actor, action string
	row := store.db.QueryRowContext(ctx, `SELECT actor, action FROM audit_log WHERE contract_id = ?`, "C1")
	if err := row.Scan(&actor, &action); err != nil {
		t.Fatalf("scan: %v", err)
	}
	if actor != "koo1wallet" || action != "fund" {
		t.Fatalf("row = %s/%s", actor, action)
	}
}
