package ps

import (
	"errors"
	"testing"

	"github.com/nickyhof/rxbind/core"
)

var testIdentity = core.Identity{Name: "test", Email: "test@test.com"}

func TestNewMemoryPersistence(t *testing.T) {
	persistence, err := NewMemoryPersistence()
	if err != nil {
		t.Fatalf("Failed to create memory persistence: %v", err)
	}

	if !persistence.IsInitialized() {
		t.Error("Expected persistence to be initialized")
	}
	if !persistence.IsMemory() {
		t.Error("Expected memory mode")
	}
}

func TestPersistenceNotInitialized(t *testing.T) {
	var persistence Persistence

	if persistence.IsInitialized() {
		t.Error("Expected uninitialized persistence to return false")
	}

	if err := persistence.ensureInitialized(); err != ErrNotInitialized {
		t.Errorf("Expected ErrNotInitialized, got %v", err)
	}
}

func TestSaveAndLoadNamespace(t *testing.T) {
	persistence, err := NewMemoryPersistence()
	if err != nil {
		t.Fatalf("Failed to create persistence: %v", err)
	}

	def := core.NamespaceDef{
		Name: "items",
		Indexes: []core.IndexDef{
			{Name: "id", JSONPaths: []string{"id"}, FieldType: "int", IndexType: "hash", IsPK: true},
		},
	}

	txn, err := persistence.SaveNamespace(def, testIdentity)
	if err != nil {
		t.Fatalf("Failed to save namespace: %v", err)
	}
	if txn.Id == "" {
		t.Error("Expected transaction ID to be set")
	}

	got, err := persistence.LoadNamespace("items")
	if err != nil {
		t.Fatalf("Failed to load namespace: %v", err)
	}
	if got.Name != "items" || len(got.Indexes) != 1 || !got.Indexes[0].IsPK {
		t.Errorf("Unexpected namespace definition: %+v", got)
	}

	names, err := persistence.ListNamespaces()
	if err != nil {
		t.Fatalf("Failed to list namespaces: %v", err)
	}
	if len(names) != 1 || names[0] != "items" {
		t.Errorf("Expected [items], got %v", names)
	}
}

func TestLoadMissingNamespace(t *testing.T) {
	persistence, _ := NewMemoryPersistence()

	if _, err := persistence.LoadNamespace("missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestDropNamespace(t *testing.T) {
	persistence, _ := NewMemoryPersistence()
	persistence.SaveNamespace(core.NamespaceDef{Name: "a"}, testIdentity)
	persistence.SaveNamespace(core.NamespaceDef{Name: "b"}, testIdentity)

	if _, err := persistence.DropNamespace("a", testIdentity); err != nil {
		t.Fatalf("Failed to drop namespace: %v", err)
	}

	names, _ := persistence.ListNamespaces()
	if len(names) != 1 || names[0] != "b" {
		t.Errorf("Expected [b], got %v", names)
	}
}

func TestFilePersistenceReopen(t *testing.T) {
	dir := t.TempDir()

	persistence, err := NewFilePersistence(dir, nil)
	if err != nil {
		t.Fatalf("Failed to create file persistence: %v", err)
	}
	tb, _ := persistence.BeginTransaction()
	tb.AddWrite(ItemPath("items", "1"), []byte(`{"id":1}`))
	tb.AddWrite(MetaPath("items", "version"), []byte("3"))
	if _, err := tb.Commit(testIdentity); err != nil {
		t.Fatalf("Failed to commit: %v", err)
	}

	reopened, err := NewFilePersistence(dir, nil)
	if err != nil {
		t.Fatalf("Failed to reopen persistence: %v", err)
	}

	count := 0
	for key, data := range reopened.Scan("items") {
		count++
		if key != "1" || string(data) != `{"id":1}` {
			t.Errorf("Unexpected item %s: %s", key, data)
		}
	}
	if count != 1 {
		t.Errorf("Expected 1 item, got %d", count)
	}

	meta, _ := reopened.Meta("items")
	if meta["version"] != "3" {
		t.Errorf("Expected meta version 3, got %q", meta["version"])
	}
}

func TestEscapedKeys(t *testing.T) {
	persistence, _ := NewMemoryPersistence()
	tb, _ := persistence.BeginTransaction()
	tb.AddWrite(ItemPath("items", "a/b c"), []byte(`{}`))
	if _, err := tb.Commit(testIdentity); err != nil {
		t.Fatalf("Failed to commit: %v", err)
	}

	for key := range persistence.Scan("items") {
		if key != "a/b c" {
			t.Errorf("Expected unescaped key 'a/b c', got %q", key)
		}
	}
}
