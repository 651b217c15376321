// Package core provides the value types shared by the binding, the engines
// and the wire protocol.
//
// # Conditions
//
// Conditions are expressed with CondType and combined with OpType:
//
//	q.Where("price", core.CondGt, 100).Or().Where("sale", core.CondEq, true)
//
// # Keys
//
// Condition operands are carried as Keys, an explicit union of the shapes an
// operand list can take:
//
//	core.Scalar(5)                                  // [5]
//	core.List(1, 2, 3)                              // [1, 2, 3]
//	core.CompositeKey(1, "a")                       // [[1, "a"]]
//	core.CompositeKeys([]any{1, "a"}, []any{2, "b"}) // [[1, "a"], [2, "b"]]
//	core.EmptyKeys()                                // []
//
// NormalizeKeys and NormalizeComposite derive Keys from untyped Go values.
//
// # Index Definition
//
//	idx := core.IndexDef{
//	    Name:      "id",
//	    JSONPaths: []string{"id"},
//	    FieldType: "int",
//	    IndexType: "hash",
//	    IsPK:      true,
//	}
package core
