package rxbind

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/nickyhof/rxbind/api"
	"github.com/nickyhof/rxbind/builtin"
	"github.com/nickyhof/rxbind/core"
	"github.com/nickyhof/rxbind/cproto"
	"github.com/nickyhof/rxbind/logger"
)

// Connector is a connection to one database
type Connector struct {
	api api.API
	rx  api.Handle
	dsn string
	log *slog.Logger
	s3  *s3Config
}

// NewConnector connects to the database named by dsn
func NewConnector(dsn string, opts ...Option) (*Connector, error) {
	return NewConnectorContext(context.Background(), dsn, opts...)
}

// NewConnectorContext is NewConnector bounded by ctx
func NewConnectorContext(ctx context.Context, dsn string, opts ...Option) (*Connector, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(o)
	}
	if o.cfg.FetchAmount <= 0 {
		return nil, localError(ErrFetchAmount)
	}
	if o.cfg.Logger == nil {
		o.cfg.Logger = logger.Get()
	}

	engine := o.engine
	if engine == nil {
		switch {
		case strings.HasPrefix(dsn, builtin.Scheme):
			engine = builtin.New()
		case strings.HasPrefix(dsn, cproto.Scheme):
			engine = cproto.NewClient()
		default:
			return nil, &APIError{
				Code:    api.ErrParams,
				Message: fmt.Sprintf("%s for dsn: %s", ErrUnknownProtocol, dsn),
				cause:   ErrUnknownProtocol,
			}
		}
	}

	c := &Connector{api: engine, dsn: dsn, log: o.cfg.Logger.With("component", "connector"), s3: o.s3}
	rx, err := engine.Init(o.cfg)
	if err != nil {
		return nil, apiError(err)
	}
	if err := engine.Connect(ctx, rx, dsn); err != nil {
		_ = engine.Destroy(rx)
		return nil, apiError(err)
	}
	c.rx = rx
	c.log.Info("connected", "dsn", redactDSN(dsn))
	return c, nil
}

// redactDSN hides the password of a DSN for logging
func redactDSN(dsn string) string {
	scheme, rest, ok := strings.Cut(dsn, "://")
	if !ok {
		return dsn
	}
	userinfo, host, ok := strings.Cut(rest, "@")
	if !ok {
		return dsn
	}
	user, _, _ := strings.Cut(userinfo, ":")
	return scheme + "://" + user + ":***@" + host
}

// check fails locally when the connector is closed
func (c *Connector) check() error {
	if c == nil || !c.rx.Valid() {
		return localError(ErrNotInitialized)
	}
	return nil
}

func (c *Connector) failed(op string, err error) error {
	if err == nil {
		return nil
	}
	c.log.Debug("engine call failed", "op", op, "error", err)
	return apiError(err)
}

// Close releases the connection and every object created through it
func (c *Connector) Close() error {
	if err := c.check(); err != nil {
		return err
	}
	rx := c.rx
	c.rx = 0
	c.log.Info("closed", "dsn", redactDSN(c.dsn))
	return c.failed("destroy", c.api.Destroy(rx))
}

func (c *Connector) NamespaceOpen(ctx context.Context, ns string) error {
	if err := c.check(); err != nil {
		return err
	}
	return c.failed("namespace_open", c.api.NamespaceOpen(ctx, c.rx, ns))
}

func (c *Connector) NamespaceClose(ctx context.Context, ns string) error {
	if err := c.check(); err != nil {
		return err
	}
	return c.failed("namespace_close", c.api.NamespaceClose(ctx, c.rx, ns))
}

func (c *Connector) NamespaceDrop(ctx context.Context, ns string) error {
	if err := c.check(); err != nil {
		return err
	}
	return c.failed("namespace_drop", c.api.NamespaceDrop(ctx, c.rx, ns))
}

// NamespacesEnum lists opened namespaces, plus closed ones when
// enumNotOpened is set
func (c *Connector) NamespacesEnum(ctx context.Context, enumNotOpened bool) ([]core.NamespaceDef, error) {
	if err := c.check(); err != nil {
		return nil, err
	}
	defs, err := c.api.NamespacesEnum(ctx, c.rx, enumNotOpened)
	return defs, c.failed("namespaces_enum", err)
}

// SetSchema attaches a JSON schema that every written item must satisfy.
// An empty schema removes it.
func (c *Connector) SetSchema(ctx context.Context, ns, schema string) error {
	if err := c.check(); err != nil {
		return err
	}
	return c.failed("set_schema", c.api.SetSchema(ctx, c.rx, ns, schema))
}

func (c *Connector) IndexAdd(ctx context.Context, ns string, def core.IndexDef) error {
	if err := c.check(); err != nil {
		return err
	}
	return c.failed("index_add", c.api.IndexAdd(ctx, c.rx, ns, def))
}

func (c *Connector) IndexUpdate(ctx context.Context, ns string, def core.IndexDef) error {
	if err := c.check(); err != nil {
		return err
	}
	return c.failed("index_update", c.api.IndexUpdate(ctx, c.rx, ns, def))
}

func (c *Connector) IndexDrop(ctx context.Context, ns, name string) error {
	if err := c.check(); err != nil {
		return err
	}
	return c.failed("index_drop", c.api.IndexDrop(ctx, c.rx, ns, name))
}

// ItemInsert adds an item unless its primary key already exists
func (c *Connector) ItemInsert(ctx context.Context, ns string, item any, precepts ...string) error {
	return c.itemModify(ctx, ns, core.ModeInsert, item, precepts)
}

// ItemUpdate replaces an existing item
func (c *Connector) ItemUpdate(ctx context.Context, ns string, item any, precepts ...string) error {
	return c.itemModify(ctx, ns, core.ModeUpdate, item, precepts)
}

// ItemUpsert inserts or replaces an item
func (c *Connector) ItemUpsert(ctx context.Context, ns string, item any, precepts ...string) error {
	return c.itemModify(ctx, ns, core.ModeUpsert, item, precepts)
}

// ItemDelete removes the item with the primary key of item
func (c *Connector) ItemDelete(ctx context.Context, ns string, item any) error {
	return c.itemModify(ctx, ns, core.ModeDelete, item, nil)
}

func (c *Connector) itemModify(ctx context.Context, ns string, mode core.ItemModifyMode, item any, precepts []string) error {
	if err := c.check(); err != nil {
		return err
	}
	data, err := encodeItem(item)
	if err != nil {
		return err
	}
	return c.failed("item_"+mode.String(), c.api.ItemModify(ctx, c.rx, ns, mode, data, precepts))
}

// encodeItem accepts raw JSON or any value encoding to a JSON object
func encodeItem(item any) ([]byte, error) {
	switch v := item.(type) {
	case []byte:
		return v, nil
	case json.RawMessage:
		return v, nil
	case string:
		return []byte(v), nil
	}
	data, err := json.Marshal(item)
	if err != nil {
		return nil, &APIError{Code: api.ErrParseJSON, Message: fmt.Sprintf("failed to encode item: %v", err), cause: err}
	}
	return data, nil
}

func (c *Connector) MetaPut(ctx context.Context, ns, key, value string) error {
	if err := c.check(); err != nil {
		return err
	}
	return c.failed("meta_put", c.api.MetaPut(ctx, c.rx, ns, key, value))
}

func (c *Connector) MetaGet(ctx context.Context, ns, key string) (string, error) {
	if err := c.check(); err != nil {
		return "", err
	}
	value, err := c.api.MetaGet(ctx, c.rx, ns, key)
	return value, c.failed("meta_get", err)
}

func (c *Connector) MetaDelete(ctx context.Context, ns, key string) error {
	if err := c.check(); err != nil {
		return err
	}
	return c.failed("meta_delete", c.api.MetaDelete(ctx, c.rx, ns, key))
}

func (c *Connector) MetaEnum(ctx context.Context, ns string) ([]string, error) {
	if err := c.check(); err != nil {
		return nil, err
	}
	keys, err := c.api.MetaEnum(ctx, c.rx, ns)
	return keys, c.failed("meta_enum", err)
}

// Select runs a raw SQL statement
func (c *Connector) Select(ctx context.Context, sql string) (*QueryResults, error) {
	if err := c.check(); err != nil {
		return nil, err
	}
	res, err := c.api.Select(ctx, c.rx, sql)
	if err != nil {
		return nil, queryError(c.failed("select", err))
	}
	return newQueryResults(c.api, res), nil
}

// NewTransaction begins a transaction on ns. ctx bounds only the begin call.
func (c *Connector) NewTransaction(ctx context.Context, ns string) (*Transaction, error) {
	if err := c.check(); err != nil {
		return nil, transactionError(err)
	}
	tx, err := c.api.NewTransaction(ctx, c.rx, ns)
	if err != nil {
		return nil, transactionError(c.failed("new_transaction", err))
	}
	return &Transaction{api: c.api, h: tx, ns: ns}, nil
}

// NewQuery starts a query over ns. Failures are reported by the query's
// terminal call.
func (c *Connector) NewQuery(ns string) *Query {
	q := &Query{api: c.api, ns: ns}
	if err := c.check(); err != nil {
		q.err = queryError(err)
		return q
	}
	h, err := c.api.CreateQuery(c.rx, ns)
	if err != nil {
		q.err = queryError(c.failed("create_query", err))
		return q
	}
	q.h = h
	return q
}
