package configstore

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
)

func newTestStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()

	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to open sqlmock: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	return NewStore(&DB{pool: db}), mock
}

func TestStore_ClientLimitOverridesActionLimit(t *testing.T) {
	store, mock := newTestStore(t)

	actionRows := sqlmock.NewRows([]string{"action_type", "max_requests", "window_duration_seconds"}).
		AddRow("write", 10, 60)
	mock.ExpectQuery("SELECT action_type").WithArgs("tenant1").WillReturnRows(actionRows)

	clientRows := sqlmock.NewRows([]string{"client_id", "action_type", "max_requests", "window_duration_seconds"}).
		AddRow("client1", "write", 3, 60)
	mock.ExpectQuery("SELECT client_id").WithArgs("tenant1").WillReturnRows(clientRows)

	p, ok, err := store.Resolve(context.Background(), "tenant1", "client1", "write")
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if !ok {
		t.Fatal("expected a policy to be resolved")
	}
	if p.MaxRequests != 3 {
		t.Errorf("expected client override of 3, got %d", p.MaxRequests)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestStore_FallsBackToActionLimit(t *testing.T) {
	store, mock := newTestStore(t)

	actionRows := sqlmock.NewRows([]string{"action_type", "max_requests", "window_duration_seconds"}).
		AddRow("write", 10, 60)
	mock.ExpectQuery("SELECT action_type").WithArgs("tenant1").WillReturnRows(actionRows)

	clientRows := sqlmock.NewRows([]string{"client_id", "action_type", "max_requests", "window_duration_seconds"})
	mock.ExpectQuery("SELECT client_id").WithArgs("tenant1").WillReturnRows(clientRows)

	p, ok, err := store.Resolve(context.Background(), "tenant1", "client-without-override", "write")
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if !ok {
		t.Fatal("expected a policy to be resolved")
	}
	if p.MaxRequests != 10 {
		t.Errorf("expected action-level limit of 10, got %d", p.MaxRequests)
	}
}

func TestStore_NoPolicyConfigured(t *testing.T) {
	store, mock := newTestStore(t)

	mock.ExpectQuery("SELECT action_type").WithArgs("tenant1").
		WillReturnRows(sqlmock.NewRows([]string{"action_type", "max_requests", "window_duration_seconds"}))
	mock.ExpectQuery("SELECT client_id").WithArgs("tenant1").
		WillReturnRows(sqlmock.NewRows([]string{"client_id", "action_type", "max_requests", "window_duration_seconds"}))

	_, ok, err := store.Resolve(context.Background(), "tenant1", "client1", "read")
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if ok {
		t.Fatal("expected no policy to be resolved when nothing is configured")
	}
}

func TestStore_CachesBetweenResolveCalls(t *testing.T) {
	store, mock := newTestStore(t)

	actionRows := sqlmock.NewRows([]string{"action_type", "max_requests", "window_duration_seconds"}).
		AddRow("read", 5, 30)
	mock.ExpectQuery("SELECT action_type").WithArgs("tenant1").WillReturnRows(actionRows)
	mock.ExpectQuery("SELECT client_id").WithArgs("tenant1").
		WillReturnRows(sqlmock.NewRows([]string{"client_id", "action_type", "max_requests", "window_duration_seconds"}))

	ctx := context.Background()
	if _, _, err := store.Resolve(ctx, "tenant1", "client1", "read"); err != nil {
		t.Fatalf("first Resolve failed: %v", err)
	}
	// Second call for the same tenant must not hit the database again.
	if _, _, err := store.Resolve(ctx, "tenant1", "client2", "read"); err != nil {
		t.Fatalf("second Resolve failed: %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("expected exactly one query pair, got unmet/extra expectations: %v", err)
	}
}

func TestStore_InvalidateForcesReload(t *testing.T) {
	store, mock := newTestStore(t)

	for i := 0; i < 2; i++ {
		actionRows := sqlmock.NewRows([]string{"action_type", "max_requests", "window_duration_seconds"}).
			AddRow("read", 5, 30)
		mock.ExpectQuery("SELECT action_type").WithArgs("tenant1").WillReturnRows(actionRows)
		mock.ExpectQuery("SELECT client_id").WithArgs("tenant1").
			WillReturnRows(sqlmock.NewRows([]string{"client_id", "action_type", "max_requests", "window_duration_seconds"}))
	}

	ctx := context.Background()
	if _, _, err := store.Resolve(ctx, "tenant1", "client1", "read"); err != nil {
		t.Fatalf("first Resolve failed: %v", err)
	}

	store.Invalidate("tenant1")

	if _, _, err := store.Resolve(ctx, "tenant1", "client1", "read"); err != nil {
		t.Fatalf("second Resolve failed: %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("expected a reload after invalidation: %v", err)
	}
}
