// Package api defines the call surface between the binding and an engine.
//
// Every object on the engine side (instance, query, transaction, result set)
// is reached through an opaque Handle. A handle greater than zero is live;
// zero or a negative value means "not initialized" or "already consumed".
//
// Engines report failures as *Error values carrying a numeric code and the
// engine's message:
//
//	if err := engine.NamespaceOpen(ctx, rx, "items"); err != nil {
//	    if api.CodeOf(err) == api.ErrNotFound {
//	        ...
//	    }
//	}
//
// Two engines implement API: builtin (in-process) and cproto (remote).
package api
