package rxbind

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/nickyhof/rxbind/api"
	"github.com/nickyhof/rxbind/core"
)

// dumpHeader is the first line of a namespace dump
type dumpHeader struct {
	Namespace core.NamespaceDef `json:"namespace"`
	Items     int               `json:"items"`
}

// Dump writes the definition and the items of ns to location as JSON
// lines. location is a local path, file://, or s3://bucket/key.
func (c *Connector) Dump(ctx context.Context, ns, location string) (err error) {
	if err := c.check(); err != nil {
		return err
	}
	def, err := c.namespaceDef(ctx, ns)
	if err != nil {
		return err
	}

	res, err := c.NewQuery(ns).Execute(ctx)
	if err != nil {
		return err
	}
	defer res.Close()

	w, err := openWriter(ctx, location, c.s3)
	if err != nil {
		return connError(err)
	}
	defer func() {
		if cerr := w.Close(); cerr != nil && err == nil {
			err = connError(cerr)
		}
	}()

	enc := json.NewEncoder(w)
	if err := enc.Encode(dumpHeader{Namespace: def, Items: res.Count()}); err != nil {
		return connError(fmt.Errorf("failed to write dump header: %w", err))
	}
	for item, err := range res.All() {
		if err != nil {
			return err
		}
		if err := enc.Encode(item); err != nil {
			return connError(fmt.Errorf("failed to write item: %w", err))
		}
	}
	c.log.Info("namespace dumped", "namespace", ns, "items", res.Count())
	return nil
}

func (c *Connector) namespaceDef(ctx context.Context, ns string) (core.NamespaceDef, error) {
	defs, err := c.NamespacesEnum(ctx, true)
	if err != nil {
		return core.NamespaceDef{}, err
	}
	for _, def := range defs {
		if def.Name == ns {
			return def, nil
		}
	}
	return core.NamespaceDef{}, apiError(api.Errorf(api.ErrNotFound, "Namespace '%s' does not exist", ns))
}

// Restore loads a dump written by Dump into ns. The namespace is opened or
// created, the dumped indexes and schema are added and all items are
// upserted in one transaction.
func (c *Connector) Restore(ctx context.Context, ns, location string) error {
	if err := c.check(); err != nil {
		return err
	}
	r, err := openReader(ctx, location, c.s3)
	if err != nil {
		return connError(err)
	}
	defer r.Close()

	dec := json.NewDecoder(r)
	var header dumpHeader
	if err := dec.Decode(&header); err != nil {
		return apiError(api.Errorf(api.ErrParseJSON, "failed to read dump header: %v", err))
	}

	if err := c.NamespaceOpen(ctx, ns); err != nil {
		return err
	}
	for _, idx := range header.Namespace.Indexes {
		if err := c.IndexAdd(ctx, ns, idx); err != nil {
			return err
		}
	}
	if header.Namespace.Schema != "" {
		if err := c.SetSchema(ctx, ns, header.Namespace.Schema); err != nil {
			return err
		}
	}

	tx, err := c.NewTransaction(ctx, ns)
	if err != nil {
		return err
	}
	defer tx.Close()

	restored := 0
	for {
		var item json.RawMessage
		err := dec.Decode(&item)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return apiError(api.Errorf(api.ErrParseJSON, "failed to read item %d: %v", restored+1, err))
		}
		if err := tx.Upsert([]byte(item)); err != nil {
			return err
		}
		restored++
	}
	if _, err := tx.CommitWithCount(ctx); err != nil {
		return err
	}
	c.log.Info("namespace restored", "namespace", ns, "items", restored)
	return nil
}
