package ps

import (
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"net/url"
	"path"

	"github.com/nickyhof/rxbind/core"
)

const (
	namespaceFile = "namespace.json"
	itemsDir      = "items"
	metaDir       = "meta"
	serialDir     = "serial"
)

// NamespacePath returns the definition path of a namespace
func NamespacePath(ns string) string {
	return path.Join(escape(ns), namespaceFile)
}

// NamespaceDir returns the root directory of a namespace
func NamespaceDir(ns string) string {
	return escape(ns)
}

// ItemPath returns the path of the item with the given primary key
func ItemPath(ns, pk string) string {
	return path.Join(escape(ns), itemsDir, escape(pk))
}

// MetaPath returns the path of a metadata key
func MetaPath(ns, key string) string {
	return path.Join(escape(ns), metaDir, escape(key))
}

// SerialPath returns the path of the serial counter of a field
func SerialPath(ns, field string) string {
	return path.Join(escape(ns), serialDir, escape(field))
}

func escape(name string) string {
	return url.PathEscape(name)
}

func unescape(name string) string {
	if s, err := url.PathUnescape(name); err == nil {
		return s
	}
	return name
}

// write commits a single change
func (persistence *Persistence) write(identity core.Identity, apply func(tb *TransactionBuilder) error) (Transaction, error) {
	tb, err := persistence.BeginTransaction()
	if err != nil {
		return Transaction{}, err
	}
	if err := apply(tb); err != nil {
		return Transaction{}, err
	}
	return tb.Commit(identity)
}

// SaveNamespace stores a namespace definition
func (persistence *Persistence) SaveNamespace(def core.NamespaceDef, identity core.Identity) (Transaction, error) {
	def.Opened = false
	data, err := json.Marshal(def)
	if err != nil {
		return Transaction{}, err
	}
	return persistence.write(identity, func(tb *TransactionBuilder) error {
		return tb.AddWrite(NamespacePath(def.Name), data)
	})
}

// LoadNamespace reads a namespace definition
func (persistence *Persistence) LoadNamespace(ns string) (core.NamespaceDef, error) {
	data, err := persistence.ReadFile(NamespacePath(ns))
	if err != nil {
		return core.NamespaceDef{}, err
	}
	var def core.NamespaceDef
	if err := json.Unmarshal(data, &def); err != nil {
		return core.NamespaceDef{}, fmt.Errorf("failed to decode namespace %s: %w", ns, err)
	}
	return def, nil
}

// ListNamespaces returns the names of all stored namespaces
func (persistence *Persistence) ListNamespaces() ([]string, error) {
	entries, err := persistence.ListEntries("")
	if err != nil {
		return nil, err
	}
	var names []string
	for _, entry := range entries {
		if entry.IsDir {
			names = append(names, unescape(entry.Name))
		}
	}
	return names, nil
}

// DropNamespace removes a namespace with all its items and metadata
func (persistence *Persistence) DropNamespace(ns string, identity core.Identity) (Transaction, error) {
	return persistence.write(identity, func(tb *TransactionBuilder) error {
		return tb.AddDelete(NamespaceDir(ns))
	})
}

// Scan yields the primary key and raw document of every stored item
func (persistence *Persistence) Scan(ns string) iter.Seq2[string, []byte] {
	return persistence.scanDir(path.Join(escape(ns), itemsDir))
}

// Meta returns all metadata of a namespace
func (persistence *Persistence) Meta(ns string) (map[string]string, error) {
	meta := make(map[string]string)
	for key, value := range persistence.scanDir(path.Join(escape(ns), metaDir)) {
		meta[key] = string(value)
	}
	return meta, nil
}

// Serials returns the stored serial counters of a namespace
func (persistence *Persistence) Serials(ns string) map[string]int64 {
	serials := make(map[string]int64)
	for field, value := range persistence.scanDir(path.Join(escape(ns), serialDir)) {
		var n int64
		if err := json.Unmarshal(value, &n); err == nil {
			serials[field] = n
		}
	}
	return serials
}

func (persistence *Persistence) scanDir(dir string) iter.Seq2[string, []byte] {
	return func(yield func(string, []byte) bool) {
		entries, err := persistence.ListEntries(dir)
		if err != nil {
			return
		}
		for _, entry := range entries {
			if entry.IsDir {
				continue
			}
			data, err := persistence.ReadFile(path.Join(dir, entry.Name))
			if err != nil {
				if errors.Is(err, ErrNotFound) {
					continue
				}
				return
			}
			if !yield(unescape(entry.Name), data) {
				return
			}
		}
	}
}
