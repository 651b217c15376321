// Package ps provides the persistence layer of the builtin engine.
//
// The persistence layer is backed by Git, using go-git for storage. Every
// namespace lives in its own directory of the repository tree:
//
//	<namespace>/namespace.json   definition (indexes, schema)
//	<namespace>/items/<pk>       one JSON document per item
//	<namespace>/meta/<key>       metadata values
//	<namespace>/serial/<field>   serial() counters
//
// Every write creates one commit, so a namespace's history is the Git log.
//
// # Memory Persistence
//
//	persistence, err := ps.NewMemoryPersistence()
//
// # File Persistence
//
//	persistence, err := ps.NewFilePersistence("/path/to/data", nil)
//
// # Transaction Batching
//
// Writes issued inside a TransactionBuilder land in a single commit:
//
//	txn, _ := persistence.BeginTransaction()
//	txn.AddWrite(ps.ItemPath("items", "1"), data1)
//	txn.AddDelete(ps.ItemPath("items", "2"))
//	result, _ := txn.Commit(identity)
package ps
