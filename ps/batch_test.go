package ps

import (
	"testing"
)

func TestTransactionBuilder(t *testing.T) {
	persistence, err := NewMemoryPersistence()
	if err != nil {
		t.Fatalf("Failed to create persistence: %v", err)
	}

	txn, err := persistence.BeginTransaction()
	if err != nil {
		t.Fatalf("Failed to begin transaction: %v", err)
	}

	if err := txn.AddWrite(ItemPath("users", "1"), []byte(`{"id":1}`)); err != nil {
		t.Fatalf("Failed to add write: %v", err)
	}
	if err := txn.AddWrite(ItemPath("users", "2"), []byte(`{"id":2}`)); err != nil {
		t.Fatalf("Failed to add write: %v", err)
	}

	if txn.OperationCount() != 2 {
		t.Errorf("Expected 2 operations, got %d", txn.OperationCount())
	}

	result, err := txn.Commit(testIdentity)
	if err != nil {
		t.Fatalf("Failed to commit: %v", err)
	}
	if result.Id == "" {
		t.Error("Expected transaction ID to be set")
	}

	if _, err := persistence.ReadFile(ItemPath("users", "1")); err != nil {
		t.Errorf("Expected record 1 to exist after commit: %v", err)
	}

	if err := txn.AddWrite(ItemPath("users", "3"), nil); err == nil {
		t.Error("Expected error when writing to a committed transaction")
	}
}

func TestTransactionBuilderDelete(t *testing.T) {
	persistence, _ := NewMemoryPersistence()

	txn, _ := persistence.BeginTransaction()
	txn.AddWrite(ItemPath("users", "1"), []byte(`{"id":1}`))
	txn.AddWrite(ItemPath("users", "2"), []byte(`{"id":2}`))
	txn.Commit(testIdentity)

	txn, _ = persistence.BeginTransaction()
	txn.AddDelete(ItemPath("users", "1"))
	if _, err := txn.Commit(testIdentity); err != nil {
		t.Fatalf("Failed to commit delete: %v", err)
	}

	if _, err := persistence.ReadFile(ItemPath("users", "1")); err == nil {
		t.Error("Expected record 1 to be deleted")
	}
	if _, err := persistence.ReadFile(ItemPath("users", "2")); err != nil {
		t.Errorf("Expected record 2 to survive: %v", err)
	}
}

func TestTransactionBuilderRollback(t *testing.T) {
	persistence, _ := NewMemoryPersistence()

	txn, _ := persistence.BeginTransaction()
	txn.AddWrite(ItemPath("users", "1"), []byte(`{"id":1}`))
	txn.Rollback()

	if txn.OperationCount() != 0 {
		t.Errorf("Expected 0 operations after rollback, got %d", txn.OperationCount())
	}
	if _, err := txn.Commit(testIdentity); err == nil {
		t.Error("Expected error committing a rolled back transaction")
	}
	if latest := persistence.LatestTransaction(); latest.Id != "" {
		t.Errorf("Expected no commits, got %s", latest)
	}
}

func TestEmptyCommit(t *testing.T) {
	persistence, _ := NewMemoryPersistence()

	txn, _ := persistence.BeginTransaction()
	if _, err := txn.Commit(testIdentity); err == nil {
		t.Error("Expected error for empty commit")
	}
}

func TestLatestTransaction(t *testing.T) {
	persistence, _ := NewMemoryPersistence()

	var last Transaction
	for _, key := range []string{"1", "2"} {
		txn, _ := persistence.BeginTransaction()
		txn.AddWrite(ItemPath("users", key), []byte(`{}`))
		committed, err := txn.Commit(testIdentity)
		if err != nil {
			t.Fatalf("Failed to commit: %v", err)
		}
		last = committed
	}

	latest := persistence.LatestTransaction()
	if latest.Id != last.Id {
		t.Errorf("Expected latest transaction %s, got %s", last.Id, latest.Id)
	}
	if latest.Author != "test <test@test.com>" {
		t.Errorf("Unexpected author %q", latest.Author)
	}
}
