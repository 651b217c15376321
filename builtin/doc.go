// Package builtin is the in-process engine selected by builtin:// DSNs.
//
// An Engine hosts any number of instances. Each instance stores its
// namespaces through the Git-backed persistence layer, in memory for
// "builtin://" and in a directory for "builtin:///path/to/data":
//
//	engine := builtin.New()
//	rx, _ := engine.Init(api.Config{})
//	if err := engine.Connect(ctx, rx, "builtin:///var/lib/rx"); err != nil {
//	    log.Fatal(err)
//	}
//	defer engine.Destroy(rx)
//
// A remote repository can seed an empty directory:
// "builtin:///var/lib/rx?remote=https://example.com/data.git".
//
// Every object handed out (instance, query, transaction, result set) is
// addressed by an api.Handle; see package api for the call surface.
package builtin
