package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nickyhof/rxbind/api"
	"github.com/nickyhof/rxbind/core"
	"github.com/nickyhof/rxbind/cproto"
	"github.com/nickyhof/rxbind/dsl"
)

// cursor tracks how far a client has read a result set
type cursor struct {
	pos   int
	count int
}

// session is the server side of one client connection. Result sets and
// transactions it opened are released when it ends.
type session struct {
	srv      *Server
	id       string
	identity *core.Identity
	results  map[api.Handle]*cursor
	txs      map[api.Handle]struct{}
}

func newSession(srv *Server) *session {
	return &session{
		srv:     srv,
		id:      uuid.NewString(),
		results: make(map[api.Handle]*cursor),
		txs:     make(map[api.Handle]struct{}),
	}
}

func (s *session) release() {
	for h := range s.results {
		s.srv.engine.ResultsDelete(h)
	}
	for tx := range s.txs {
		_ = s.srv.engine.RollbackTransaction(context.Background(), tx)
	}
	s.results = nil
	s.txs = nil
}

// handle runs one request and builds its response
func (s *session) handle(req cproto.Request) cproto.Response {
	start := time.Now()
	result, err := s.dispatch(req)

	resp := cproto.Response{ID: req.ID}
	if err == nil && result != nil {
		data, encErr := json.Marshal(result)
		if encErr != nil {
			err = api.Errorf(api.ErrParseJSON, "failed to encode result: %v", encErr)
		} else {
			resp.Result = data
		}
	}
	if err != nil {
		apiErr := api.FromError(err)
		resp.Code = apiErr.Code
		resp.Error = apiErr.Message
	}

	s.srv.metrics.requests.WithLabelValues(string(req.Cmd), fmt.Sprint(int(resp.Code))).Inc()
	s.srv.metrics.duration.WithLabelValues(string(req.Cmd)).Observe(time.Since(start).Seconds())
	return resp
}

func decodeArgs(req cproto.Request, v any) error {
	if len(req.Args) == 0 {
		return api.Errorf(api.ErrParams, "Missing arguments for %s", req.Cmd)
	}
	if err := cproto.Decode(req.Args, v); err != nil {
		return api.Errorf(api.ErrParseJSON, "Invalid arguments for %s: %v", req.Cmd, err)
	}
	return nil
}

func (s *session) login(req cproto.Request) (any, error) {
	var args cproto.LoginArgs
	if err := decodeArgs(req, &args); err != nil {
		return nil, err
	}
	res, err := s.srv.cfg.Auth.authenticate(args)
	if err != nil {
		s.srv.metrics.logins.WithLabelValues("denied").Inc()
		s.srv.log.Warn("authentication failed", "session", s.id, "user", args.User, "error", err)
		return nil, api.Errorf(api.ErrForbidden, "%v", err)
	}
	s.srv.metrics.logins.WithLabelValues("ok").Inc()
	s.identity = &res.identity
	s.srv.log.Info("session authenticated", "session", s.id, "identity", res.identity.Name, "client", args.ClientName, "database", args.Database)
	return cproto.LoginResult{Session: s.id, Identity: res.identity.Name, Version: Version}, nil
}

func (s *session) dispatch(req cproto.Request) (any, error) {
	if req.Cmd == cproto.CmdLogin {
		return s.login(req)
	}
	if s.identity == nil {
		return nil, api.Errorf(api.ErrForbidden, "Not authenticated")
	}

	e, rx, ctx := s.srv.engine, s.srv.rx, s.srv.ctx
	switch req.Cmd {
	case cproto.CmdPing:
		return nil, nil

	case cproto.CmdNamespaceOpen, cproto.CmdNamespaceClose, cproto.CmdNamespaceDrop, cproto.CmdTxBegin:
		var args cproto.NamespaceArgs
		if err := decodeArgs(req, &args); err != nil {
			return nil, err
		}
		switch req.Cmd {
		case cproto.CmdNamespaceOpen:
			return nil, e.NamespaceOpen(ctx, rx, args.Namespace)
		case cproto.CmdNamespaceClose:
			return nil, e.NamespaceClose(ctx, rx, args.Namespace)
		case cproto.CmdNamespaceDrop:
			return nil, e.NamespaceDrop(ctx, rx, args.Namespace)
		}
		tx, err := e.NewTransaction(ctx, rx, args.Namespace)
		if err != nil {
			return nil, err
		}
		s.txs[tx] = struct{}{}
		return cproto.TxPayload{Tx: int64(tx)}, nil

	case cproto.CmdNamespacesEnum:
		var args cproto.EnumArgs
		if err := decodeArgs(req, &args); err != nil {
			return nil, err
		}
		defs, err := e.NamespacesEnum(ctx, rx, args.EnumNotOpened)
		if err != nil {
			return nil, err
		}
		return cproto.NamespacesPayload{Namespaces: defs}, nil

	case cproto.CmdSetSchema:
		var args cproto.SchemaArgs
		if err := decodeArgs(req, &args); err != nil {
			return nil, err
		}
		return nil, e.SetSchema(ctx, rx, args.Namespace, args.Schema)

	case cproto.CmdIndexAdd, cproto.CmdIndexUpdate:
		var args cproto.IndexArgs
		if err := decodeArgs(req, &args); err != nil {
			return nil, err
		}
		if req.Cmd == cproto.CmdIndexAdd {
			return nil, e.IndexAdd(ctx, rx, args.Namespace, args.Index)
		}
		return nil, e.IndexUpdate(ctx, rx, args.Namespace, args.Index)

	case cproto.CmdIndexDrop:
		var args cproto.IndexDropArgs
		if err := decodeArgs(req, &args); err != nil {
			return nil, err
		}
		return nil, e.IndexDrop(ctx, rx, args.Namespace, args.Name)

	case cproto.CmdMetaPut, cproto.CmdMetaGet, cproto.CmdMetaDelete, cproto.CmdMetaEnum:
		return s.meta(req)

	case cproto.CmdItemModify:
		var args cproto.ItemArgs
		if err := decodeArgs(req, &args); err != nil {
			return nil, err
		}
		return nil, e.ItemModify(ctx, rx, args.Namespace, args.Mode, args.Item, args.Precepts)

	case cproto.CmdSelect:
		var args cproto.SQLArgs
		if err := decodeArgs(req, &args); err != nil {
			return nil, err
		}
		res, err := e.Select(ctx, rx, args.SQL)
		if err != nil {
			return nil, err
		}
		return s.firstPage(res, args.FetchSize)

	case cproto.CmdSelectQuery, cproto.CmdUpdateQuery, cproto.CmdDeleteQuery:
		return s.query(req)

	case cproto.CmdFetchResults:
		var args cproto.FetchArgs
		if err := decodeArgs(req, &args); err != nil {
			return nil, err
		}
		return s.fetch(args)

	case cproto.CmdCloseResults:
		var args cproto.FetchArgs
		if err := decodeArgs(req, &args); err != nil {
			return nil, err
		}
		h := api.Handle(args.Results)
		if _, ok := s.results[h]; !ok {
			return nil, api.Errorf(api.ErrParams, "Unknown results %d", args.Results)
		}
		delete(s.results, h)
		e.ResultsDelete(h)
		return nil, nil

	case cproto.CmdTxItem:
		var args cproto.ItemArgs
		if err := decodeArgs(req, &args); err != nil {
			return nil, err
		}
		tx, err := s.tx(args.Tx, false)
		if err != nil {
			return nil, err
		}
		return nil, e.TxItemModify(tx, args.Mode, args.Item, args.Precepts)

	case cproto.CmdTxQuery:
		var args cproto.QueryArgs
		if err := decodeArgs(req, &args); err != nil {
			return nil, err
		}
		tx, err := s.tx(args.Tx, false)
		if err != nil {
			return nil, err
		}
		return nil, s.withQuery(args.Query, func(q api.Handle) error {
			return e.TxQueryModify(tx, q, args.Mode)
		})

	case cproto.CmdTxCommit, cproto.CmdTxRollback:
		var args cproto.TxArgs
		if err := decodeArgs(req, &args); err != nil {
			return nil, err
		}
		tx, err := s.tx(args.Tx, true)
		if err != nil {
			return nil, err
		}
		if req.Cmd == cproto.CmdTxRollback {
			return nil, e.RollbackTransaction(ctx, tx)
		}
		n, err := e.CommitTransaction(ctx, tx)
		if err != nil {
			return nil, err
		}
		return cproto.CountPayload{Count: n}, nil
	}
	return nil, api.Errorf(api.ErrParams, "Unknown command %q", req.Cmd)
}

func (s *session) meta(req cproto.Request) (any, error) {
	var args cproto.MetaArgs
	if err := decodeArgs(req, &args); err != nil {
		return nil, err
	}
	e, rx, ctx := s.srv.engine, s.srv.rx, s.srv.ctx
	switch req.Cmd {
	case cproto.CmdMetaPut:
		return nil, e.MetaPut(ctx, rx, args.Namespace, args.Key, args.Value)
	case cproto.CmdMetaGet:
		v, err := e.MetaGet(ctx, rx, args.Namespace, args.Key)
		if err != nil {
			return nil, err
		}
		return cproto.StringPayload{Value: v}, nil
	case cproto.CmdMetaDelete:
		return nil, e.MetaDelete(ctx, rx, args.Namespace, args.Key)
	default:
		keys, err := e.MetaEnum(ctx, rx, args.Namespace)
		if err != nil {
			return nil, err
		}
		return cproto.StringsPayload{Values: keys}, nil
	}
}

// tx checks the session owns a transaction; take also forgets it
func (s *session) tx(id int64, take bool) (api.Handle, error) {
	h := api.Handle(id)
	if _, ok := s.txs[h]; !ok {
		return 0, api.Errorf(api.ErrBadTransaction, "Unknown transaction %d", id)
	}
	if take {
		delete(s.txs, h)
	}
	return h, nil
}

// withQuery registers a shipped query for the duration of fn
func (s *session) withQuery(q *dsl.Query, fn func(h api.Handle) error) error {
	if q == nil {
		return api.Errorf(api.ErrParams, "Missing query")
	}
	h, err := s.srv.engine.ImportQuery(s.srv.rx, q)
	if err != nil {
		return err
	}
	defer s.srv.engine.DestroyQuery(h)
	return fn(h)
}

func (s *session) query(req cproto.Request) (any, error) {
	var args cproto.QueryArgs
	if err := decodeArgs(req, &args); err != nil {
		return nil, err
	}
	e, ctx := s.srv.engine, s.srv.ctx

	var out any
	err := s.withQuery(args.Query, func(h api.Handle) error {
		switch req.Cmd {
		case cproto.CmdDeleteQuery:
			n, err := e.DeleteQuery(ctx, h)
			if err != nil {
				return err
			}
			out = cproto.CountPayload{Count: n}
			return nil
		case cproto.CmdUpdateQuery:
			res, err := e.UpdateQuery(ctx, h)
			if err != nil {
				return err
			}
			out, err = s.firstPage(res, args.FetchSize)
			return err
		default:
			res, err := e.SelectQuery(ctx, h)
			if err != nil {
				return err
			}
			out, err = s.firstPage(res, args.FetchSize)
			return err
		}
	})
	return out, err
}

// readItems reads up to limit items; limit <= 0 reads all
func (s *session) readItems(h api.Handle, remaining, limit int) ([]json.RawMessage, error) {
	n := remaining
	if limit > 0 && limit < n {
		n = limit
	}
	items := make([]json.RawMessage, 0, n)
	for i := 0; i < n; i++ {
		data, err := s.srv.engine.ResultsIterate(h)
		if err != nil {
			return nil, err
		}
		items = append(items, data)
	}
	return items, nil
}

// firstPage answers a query with its first page. The result set stays open
// only while items remain.
func (s *session) firstPage(res api.Results, fetchSize int) (cproto.ResultsPayload, error) {
	e := s.srv.engine
	items, err := s.readItems(res.Handle, res.Count, fetchSize)
	if err != nil {
		e.ResultsDelete(res.Handle)
		return cproto.ResultsPayload{}, err
	}
	aggs, err := e.AggResults(res.Handle)
	if err != nil {
		e.ResultsDelete(res.Handle)
		return cproto.ResultsPayload{}, err
	}
	explain, err := e.ExplainResults(res.Handle)
	if err != nil {
		e.ResultsDelete(res.Handle)
		return cproto.ResultsPayload{}, err
	}

	payload := cproto.ResultsPayload{
		Count:        res.Count,
		TotalCount:   res.TotalCount,
		Items:        items,
		Aggregations: aggs,
		Explain:      explain,
	}
	if len(items) >= res.Count {
		e.ResultsDelete(res.Handle)
		return payload, nil
	}
	s.results[res.Handle] = &cursor{pos: len(items), count: res.Count}
	payload.Results = int64(res.Handle)
	return payload, nil
}

func (s *session) fetch(args cproto.FetchArgs) (cproto.ItemsPayload, error) {
	h := api.Handle(args.Results)
	cur, ok := s.results[h]
	if !ok {
		return cproto.ItemsPayload{}, api.Errorf(api.ErrParams, "Unknown results %d", args.Results)
	}
	if args.Offset != cur.pos {
		return cproto.ItemsPayload{}, api.Errorf(api.ErrParams, "Results %d are at offset %d, not %d", args.Results, cur.pos, args.Offset)
	}
	items, err := s.readItems(h, cur.count-cur.pos, args.Limit)
	if err != nil {
		return cproto.ItemsPayload{}, err
	}
	cur.pos += len(items)
	if cur.pos >= cur.count {
		delete(s.results, h)
		s.srv.engine.ResultsDelete(h)
	}
	return cproto.ItemsPayload{Items: items}, nil
}
