// Package rxbind is a client binding for a document database engine that is
// reached through opaque handles.
//
// A Connector is created from a DSN. The scheme selects the engine behind
// the call surface: builtin:// runs an in-process engine backed by git
// storage, cproto:// talks to a remote rxserver. Everything else in the
// package is engine agnostic.
//
// # Quick Start
//
//	db, err := rxbind.NewConnector("builtin://")
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer db.Close()
//
//	ctx := context.Background()
//	db.NamespaceOpen(ctx, "t1")
//	db.IndexAdd(ctx, "t1", core.IndexDef{Name: "id", FieldType: "int", IndexType: "hash", IsPK: true})
//	db.ItemUpsert(ctx, "t1", map[string]any{"id": 1, "name": "a"})
//
//	item, found, err := db.NewQuery("t1").Where("id", core.CondEq, 1).Get(ctx)
//
// # Handles
//
// Query, Transaction and QueryResults each own one engine handle. A Query
// passed to Join or Merge becomes part of its parent and executes through
// it. A Transaction accepts exactly one Commit or Rollback. QueryResults is
// a single pass cursor that releases its handle once exhausted; iterating it
// again yields nothing.
//
// Builder calls on a Query are forwarded to the engine immediately. The
// first failure is kept and returned by the terminal call, so a fluent chain
// needs a single error check.
package rxbind
