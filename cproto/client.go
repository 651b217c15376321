package cproto

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/nickyhof/rxbind/api"
	"github.com/nickyhof/rxbind/core"
	"github.com/nickyhof/rxbind/dsl"
	"github.com/nickyhof/rxbind/logger"
)

// Client is the remote implementation of api.API
type Client struct {
	*dsl.Registry

	mu           sync.Mutex
	next         api.Handle
	conns        map[api.Handle]*conn
	queryOwners  map[api.Handle]api.Handle
	transactions map[api.Handle]*transaction
	results      map[api.Handle]*resultSet
}

var _ api.API = (*Client)(nil)

// NewClient returns a client with no connections
func NewClient() *Client {
	return &Client{
		Registry:     dsl.NewRegistry(),
		conns:        make(map[api.Handle]*conn),
		queryOwners:  make(map[api.Handle]api.Handle),
		transactions: make(map[api.Handle]*transaction),
		results:      make(map[api.Handle]*resultSet),
	}
}

type transaction struct {
	rx     api.Handle
	remote int64
}

// resultSet pages items from the server FetchAmount at a time
type resultSet struct {
	rx      api.Handle
	remote  int64
	count   int
	fetched int
	items   []json.RawMessage
	pos     int
	aggs    []core.AggregationResult
	explain string
}

func (c *Client) nextHandle() api.Handle {
	c.next++
	return c.next
}

func (c *Client) Init(cfg api.Config) (api.Handle, error) {
	log := cfg.Logger
	if log == nil {
		log = logger.Get()
	}
	codec := CodecNone
	if cfg.EnableCompression {
		var err error
		if codec, err = ParseCodec(cfg.Compression); err != nil {
			return 0, api.Errorf(api.ErrParams, "%v", err)
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	rx := c.nextHandle()
	c.conns[rx] = &conn{cfg: cfg, log: log.With("component", "cproto"), codec: codec}
	return rx, nil
}

func (c *Client) conn(rx api.Handle) (*conn, error) {
	if !rx.Valid() {
		return nil, api.Errorf(api.ErrParams, "Connection is not initialized")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	cn, ok := c.conns[rx]
	if !ok {
		return nil, api.Errorf(api.ErrParams, "Unknown instance handle %d", rx)
	}
	return cn, nil
}

// Connect parses dsn and opens the session
func (c *Client) Connect(ctx context.Context, rx api.Handle, dsn string) error {
	cn, err := c.conn(rx)
	if err != nil {
		return err
	}
	addr, login, err := parseDSN(dsn)
	if err != nil {
		return err
	}
	login.Token = cn.cfg.AuthToken
	login.ClientName = cn.cfg.ClientName
	login.Codec = cn.codec

	cn.mu.Lock()
	defer cn.mu.Unlock()
	cn.addr = addr
	cn.login = login
	return cn.dial(ctx)
}

// Ping checks that the server answers
func (c *Client) Ping(ctx context.Context, rx api.Handle) error {
	cn, err := c.conn(rx)
	if err != nil {
		return err
	}
	return cn.call(ctx, CmdPing, nil, nil)
}

// Destroy closes the session and forgets every handle owned by rx
func (c *Client) Destroy(rx api.Handle) error {
	c.mu.Lock()
	cn, ok := c.conns[rx]
	if !ok {
		c.mu.Unlock()
		return api.Errorf(api.ErrParams, "Unknown instance handle %d", rx)
	}
	delete(c.conns, rx)
	for q, owner := range c.queryOwners {
		if owner == rx {
			delete(c.queryOwners, q)
			c.Registry.DestroyQuery(q)
		}
	}
	for h, t := range c.transactions {
		if t.rx == rx {
			delete(c.transactions, h)
		}
	}
	for h, r := range c.results {
		if r.rx == rx {
			delete(c.results, h)
		}
	}
	c.mu.Unlock()

	cn.close()
	return nil
}

func (c *Client) call(ctx context.Context, rx api.Handle, cmd Command, args, out any) error {
	cn, err := c.conn(rx)
	if err != nil {
		return err
	}
	return cn.call(ctx, cmd, args, out)
}

func (c *Client) NamespaceOpen(ctx context.Context, rx api.Handle, ns string) error {
	return c.call(ctx, rx, CmdNamespaceOpen, NamespaceArgs{Namespace: ns}, nil)
}

func (c *Client) NamespaceClose(ctx context.Context, rx api.Handle, ns string) error {
	return c.call(ctx, rx, CmdNamespaceClose, NamespaceArgs{Namespace: ns}, nil)
}

func (c *Client) NamespaceDrop(ctx context.Context, rx api.Handle, ns string) error {
	return c.call(ctx, rx, CmdNamespaceDrop, NamespaceArgs{Namespace: ns}, nil)
}

func (c *Client) NamespacesEnum(ctx context.Context, rx api.Handle, enumNotOpened bool) ([]core.NamespaceDef, error) {
	var out NamespacesPayload
	if err := c.call(ctx, rx, CmdNamespacesEnum, EnumArgs{EnumNotOpened: enumNotOpened}, &out); err != nil {
		return nil, err
	}
	return out.Namespaces, nil
}

func (c *Client) SetSchema(ctx context.Context, rx api.Handle, ns, schema string) error {
	return c.call(ctx, rx, CmdSetSchema, SchemaArgs{Namespace: ns, Schema: schema}, nil)
}

func (c *Client) IndexAdd(ctx context.Context, rx api.Handle, ns string, def core.IndexDef) error {
	return c.call(ctx, rx, CmdIndexAdd, IndexArgs{Namespace: ns, Index: def}, nil)
}

func (c *Client) IndexUpdate(ctx context.Context, rx api.Handle, ns string, def core.IndexDef) error {
	return c.call(ctx, rx, CmdIndexUpdate, IndexArgs{Namespace: ns, Index: def}, nil)
}

func (c *Client) IndexDrop(ctx context.Context, rx api.Handle, ns, name string) error {
	return c.call(ctx, rx, CmdIndexDrop, IndexDropArgs{Namespace: ns, Name: name}, nil)
}

func (c *Client) MetaPut(ctx context.Context, rx api.Handle, ns, key, value string) error {
	return c.call(ctx, rx, CmdMetaPut, MetaArgs{Namespace: ns, Key: key, Value: value}, nil)
}

func (c *Client) MetaGet(ctx context.Context, rx api.Handle, ns, key string) (string, error) {
	var out StringPayload
	if err := c.call(ctx, rx, CmdMetaGet, MetaArgs{Namespace: ns, Key: key}, &out); err != nil {
		return "", err
	}
	return out.Value, nil
}

func (c *Client) MetaDelete(ctx context.Context, rx api.Handle, ns, key string) error {
	return c.call(ctx, rx, CmdMetaDelete, MetaArgs{Namespace: ns, Key: key}, nil)
}

func (c *Client) MetaEnum(ctx context.Context, rx api.Handle, ns string) ([]string, error) {
	var out StringsPayload
	if err := c.call(ctx, rx, CmdMetaEnum, MetaArgs{Namespace: ns}, &out); err != nil {
		return nil, err
	}
	return out.Values, nil
}

func (c *Client) ItemModify(ctx context.Context, rx api.Handle, ns string, mode core.ItemModifyMode, item []byte, precepts []string) error {
	if !json.Valid(item) {
		return api.Errorf(api.ErrParseJSON, "Item is not valid JSON")
	}
	return c.call(ctx, rx, CmdItemModify, ItemArgs{Namespace: ns, Mode: mode, Item: item, Precepts: precepts}, nil)
}

func (c *Client) CreateQuery(rx api.Handle, ns string) (api.Handle, error) {
	if _, err := c.conn(rx); err != nil {
		return 0, err
	}
	h := c.Registry.Create(ns)
	c.mu.Lock()
	c.queryOwners[h] = rx
	c.mu.Unlock()
	return h, nil
}

func (c *Client) DestroyQuery(q api.Handle) {
	c.mu.Lock()
	delete(c.queryOwners, q)
	c.mu.Unlock()
	c.Registry.DestroyQuery(q)
}

// query returns a query with the connection it belongs to
func (c *Client) query(q api.Handle) (*dsl.Query, *conn, api.Handle, error) {
	query, err := c.Registry.Lookup(q)
	if err != nil {
		return nil, nil, 0, err
	}
	c.mu.Lock()
	rx, ok := c.queryOwners[q]
	c.mu.Unlock()
	if !ok {
		return nil, nil, 0, api.Errorf(api.ErrParams, "Query %d has no connection", q)
	}
	cn, err := c.conn(rx)
	if err != nil {
		return nil, nil, 0, err
	}
	return query, cn, rx, nil
}

func (c *Client) SelectQuery(ctx context.Context, q api.Handle) (api.Results, error) {
	return c.runQuery(ctx, q, CmdSelectQuery)
}

func (c *Client) UpdateQuery(ctx context.Context, q api.Handle) (api.Results, error) {
	return c.runQuery(ctx, q, CmdUpdateQuery)
}

func (c *Client) runQuery(ctx context.Context, q api.Handle, cmd Command) (api.Results, error) {
	query, cn, rx, err := c.query(q)
	if err != nil {
		return api.Results{}, err
	}
	var out ResultsPayload
	if err := cn.call(ctx, cmd, QueryArgs{Query: query, FetchSize: int(cn.cfg.FetchAmount)}, &out); err != nil {
		return api.Results{}, err
	}
	return c.register(rx, out), nil
}

func (c *Client) DeleteQuery(ctx context.Context, q api.Handle) (int, error) {
	query, cn, _, err := c.query(q)
	if err != nil {
		return 0, err
	}
	var out CountPayload
	if err := cn.call(ctx, CmdDeleteQuery, QueryArgs{Query: query}, &out); err != nil {
		return 0, err
	}
	return out.Count, nil
}

func (c *Client) Select(ctx context.Context, rx api.Handle, sql string) (api.Results, error) {
	cn, err := c.conn(rx)
	if err != nil {
		return api.Results{}, err
	}
	var out ResultsPayload
	if err := cn.call(ctx, CmdSelect, SQLArgs{SQL: sql, FetchSize: int(cn.cfg.FetchAmount)}, &out); err != nil {
		return api.Results{}, err
	}
	return c.register(rx, out), nil
}

func (c *Client) register(rx api.Handle, p ResultsPayload) api.Results {
	c.mu.Lock()
	defer c.mu.Unlock()
	h := c.nextHandle()
	c.results[h] = &resultSet{
		rx:      rx,
		remote:  p.Results,
		count:   p.Count,
		fetched: len(p.Items),
		items:   p.Items,
		aggs:    p.Aggregations,
		explain: p.Explain,
	}
	return api.Results{Handle: h, Count: p.Count, TotalCount: p.TotalCount}
}

func (c *Client) resultSet(r api.Handle) (*resultSet, error) {
	if !r.Valid() {
		return nil, api.Errorf(api.ErrParams, "Query results are not initialized")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	rs, ok := c.results[r]
	if !ok {
		return nil, api.Errorf(api.ErrParams, "Unknown results handle %d", r)
	}
	return rs, nil
}

// ResultsIterate returns the next item, fetching the next page when the
// buffered one is used up
func (c *Client) ResultsIterate(r api.Handle) ([]byte, error) {
	rs, err := c.resultSet(r)
	if err != nil {
		return nil, err
	}
	if rs.pos >= len(rs.items) {
		if rs.fetched >= rs.count || rs.remote == 0 {
			return nil, api.Errorf(api.ErrNoData, "No more items in query results")
		}
		cn, err := c.conn(rs.rx)
		if err != nil {
			return nil, err
		}
		var out ItemsPayload
		args := FetchArgs{Results: rs.remote, Offset: rs.fetched, Limit: int(cn.cfg.FetchAmount)}
		if err := cn.call(context.Background(), CmdFetchResults, args, &out); err != nil {
			return nil, err
		}
		if len(out.Items) == 0 {
			return nil, api.Errorf(api.ErrNoData, "No more items in query results")
		}
		rs.items = out.Items
		rs.pos = 0
		rs.fetched += len(out.Items)
	}
	item := rs.items[rs.pos]
	rs.pos++
	return item, nil
}

func (c *Client) ResultsStatus(r api.Handle) error {
	_, err := c.resultSet(r)
	return err
}

// ResultsDelete forgets the handle and releases the server side set when
// it still holds unfetched items
func (c *Client) ResultsDelete(r api.Handle) {
	c.mu.Lock()
	rs, ok := c.results[r]
	delete(c.results, r)
	c.mu.Unlock()
	if !ok || rs.remote == 0 || rs.fetched >= rs.count {
		return
	}
	if cn, err := c.conn(rs.rx); err == nil {
		if err := cn.call(context.Background(), CmdCloseResults, FetchArgs{Results: rs.remote}, nil); err != nil {
			cn.log.Debug("failed to release results", "results", rs.remote, "error", err)
		}
	}
}

func (c *Client) AggResults(r api.Handle) ([]core.AggregationResult, error) {
	rs, err := c.resultSet(r)
	if err != nil {
		return nil, err
	}
	return rs.aggs, nil
}

func (c *Client) ExplainResults(r api.Handle) (string, error) {
	rs, err := c.resultSet(r)
	if err != nil {
		return "", err
	}
	return rs.explain, nil
}

func (c *Client) NewTransaction(ctx context.Context, rx api.Handle, ns string) (api.Handle, error) {
	var out TxPayload
	if err := c.call(ctx, rx, CmdTxBegin, NamespaceArgs{Namespace: ns}, &out); err != nil {
		return 0, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	h := c.nextHandle()
	c.transactions[h] = &transaction{rx: rx, remote: out.Tx}
	return h, nil
}

func (c *Client) transaction(tx api.Handle) (*transaction, error) {
	if !tx.Valid() {
		return nil, api.Errorf(api.ErrBadTransaction, "Transaction is not initialized")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.transactions[tx]
	if !ok {
		return nil, api.Errorf(api.ErrBadTransaction, "Unknown transaction handle %d", tx)
	}
	return t, nil
}

// TxItemModify has no deadline of its own beyond the network timeout
func (c *Client) TxItemModify(tx api.Handle, mode core.ItemModifyMode, item []byte, precepts []string) error {
	t, err := c.transaction(tx)
	if err != nil {
		return err
	}
	if !json.Valid(item) {
		return api.Errorf(api.ErrParseJSON, "Item is not valid JSON")
	}
	return c.call(context.Background(), t.rx, CmdTxItem, ItemArgs{Tx: t.remote, Mode: mode, Item: item, Precepts: precepts}, nil)
}

func (c *Client) TxQueryModify(tx api.Handle, q api.Handle, mode core.ItemModifyMode) error {
	t, err := c.transaction(tx)
	if err != nil {
		return err
	}
	query, err := c.Registry.Lookup(q)
	if err != nil {
		return err
	}
	return c.call(context.Background(), t.rx, CmdTxQuery, QueryArgs{Query: query, Tx: t.remote, Mode: mode}, nil)
}

// take forgets the transaction handle before the outcome is known
func (c *Client) take(tx api.Handle) (*transaction, error) {
	t, err := c.transaction(tx)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	delete(c.transactions, tx)
	c.mu.Unlock()
	return t, nil
}

func (c *Client) CommitTransaction(ctx context.Context, tx api.Handle) (int, error) {
	t, err := c.take(tx)
	if err != nil {
		return 0, err
	}
	var out CountPayload
	if err := c.call(ctx, t.rx, CmdTxCommit, TxArgs{Tx: t.remote}, &out); err != nil {
		return 0, err
	}
	return out.Count, nil
}

func (c *Client) RollbackTransaction(ctx context.Context, tx api.Handle) error {
	t, err := c.take(tx)
	if err != nil {
		return err
	}
	return c.call(ctx, t.rx, CmdTxRollback, TxArgs{Tx: t.remote}, nil)
}
