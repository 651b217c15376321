package cproto

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/nickyhof/rxbind/api"
	"github.com/nickyhof/rxbind/core"
	"github.com/nickyhof/rxbind/logger"
)

var ctx = context.Background()

// fakeServer answers frames with a handler and records the commands it saw
type fakeServer struct {
	t        *testing.T
	listener net.Listener
	handler  func(req Request) (any, error)

	mu       sync.Mutex
	commands []Command
	logins   int
	codec    Codec
}

func newFakeServer(t *testing.T, handler func(req Request) (any, error)) *fakeServer {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to listen: %v", err)
	}
	s := &fakeServer{t: t, listener: listener, handler: handler}
	go s.serve()
	t.Cleanup(func() { listener.Close() })
	return s
}

func (s *fakeServer) dsn() string {
	return Scheme + s.listener.Addr().String() + "/db"
}

func (s *fakeServer) serve() {
	for {
		nc, err := s.listener.Accept()
		if err != nil {
			return
		}
		go s.serveConn(nc)
	}
}

func (s *fakeServer) serveConn(nc net.Conn) {
	defer nc.Close()
	for {
		codec, data, err := ReadFrame(nc)
		if err != nil {
			return
		}
		var req Request
		if err := Decode(data, &req); err != nil {
			return
		}
		s.mu.Lock()
		s.commands = append(s.commands, req.Cmd)
		s.codec = codec
		if req.Cmd == CmdLogin {
			s.logins++
		}
		s.mu.Unlock()

		resp := Response{ID: req.ID}
		var result any
		if req.Cmd == CmdLogin {
			result = LoginResult{Session: "s1", Version: "test"}
		} else {
			result, err = s.handler(req)
		}
		if err != nil {
			e := api.FromError(err)
			resp.Code, resp.Error = e.Code, e.Message
		} else if result != nil {
			resp.Result, _ = Encode(result)
		}
		payload, _ := Encode(resp)
		if err := WriteFrame(nc, codec, payload); err != nil {
			return
		}
	}
}

func (s *fakeServer) seen(cmd Command) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.commands {
		if c == cmd {
			n++
		}
	}
	return n
}

func setupClient(t *testing.T, dsn string, cfg api.Config) (*Client, api.Handle) {
	t.Helper()
	cfg.Logger = logger.Discard()
	if cfg.FetchAmount == 0 {
		cfg.FetchAmount = 100
	}
	c := NewClient()
	rx, err := c.Init(cfg)
	if err != nil {
		t.Fatalf("Failed to init client: %v", err)
	}
	if err := c.Connect(ctx, rx, dsn); err != nil {
		t.Fatalf("Failed to connect: %v", err)
	}
	t.Cleanup(func() { c.Destroy(rx) })
	return c, rx
}

// pagedItems serves n items as {"id":i} pages of the requested size
func pagedItems(n int) func(req Request) (any, error) {
	items := make([]json.RawMessage, n)
	for i := range items {
		items[i] = json.RawMessage(fmt.Sprintf(`{"id":%d}`, i+1))
	}
	return func(req Request) (any, error) {
		switch req.Cmd {
		case CmdSelect:
			var args SQLArgs
			if err := Decode(req.Args, &args); err != nil {
				return nil, err
			}
			page := min(args.FetchSize, n)
			p := ResultsPayload{Count: n, TotalCount: n, Items: items[:page]}
			if page < n {
				p.Results = 7
			}
			return p, nil
		case CmdFetchResults:
			var args FetchArgs
			if err := Decode(req.Args, &args); err != nil {
				return nil, err
			}
			if args.Results != 7 {
				return nil, api.Errorf(api.ErrNotFound, "unknown results %d", args.Results)
			}
			end := min(args.Offset+args.Limit, n)
			return ItemsPayload{Items: items[args.Offset:end]}, nil
		case CmdCloseResults:
			return nil, nil
		}
		return nil, api.Errorf(api.ErrLogic, "unexpected command %s", req.Cmd)
	}
}

func readAll(t *testing.T, c *Client, res api.Results) []string {
	t.Helper()
	var items []string
	for {
		item, err := c.ResultsIterate(res.Handle)
		if api.CodeOf(err) == api.ErrNoData {
			return items
		}
		if err != nil {
			t.Fatalf("Failed to iterate: %v", err)
		}
		items = append(items, string(item))
	}
}

func TestParseDSN(t *testing.T) {
	tests := []struct {
		dsn      string
		addr     string
		user     string
		password string
		database string
		wantErr  bool
	}{
		{"cproto://localhost:6534/db", "localhost:6534", "", "", "db", false},
		{"cproto://localhost/db", "localhost:6534", "", "", "db", false},
		{"cproto://bob:pw@127.0.0.1:7000", "127.0.0.1:7000", "bob", "pw", "", false},
		{"cproto://bob@host:1/a/b/", "host:1", "bob", "", "a/b", false},
		{"builtin:///tmp", "", "", "", "", true},
		{"cproto:///db", "", "", "", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.dsn, func(t *testing.T) {
			addr, login, err := parseDSN(tt.dsn)
			if (err != nil) != tt.wantErr {
				t.Fatalf("parseDSN error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				if api.CodeOf(err) != api.ErrParams {
					t.Errorf("Expected ErrParams, got %v", err)
				}
				return
			}
			if addr != tt.addr || login.User != tt.user || login.Password != tt.password || login.Database != tt.database {
				t.Errorf("Got addr=%s login=%+v", addr, login)
			}
		})
	}
}

func TestInitRejectsUnknownCompression(t *testing.T) {
	_, err := NewClient().Init(api.Config{EnableCompression: true, Compression: "brotli", Logger: logger.Discard()})
	if api.CodeOf(err) != api.ErrParams {
		t.Errorf("Expected ErrParams, got %v", err)
	}
}

func TestConnectRefused(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to listen: %v", err)
	}
	addr := listener.Addr().String()
	listener.Close()

	c := NewClient()
	rx, err := c.Init(api.Config{ReconnectAttempts: 1, NetTimeout: time.Second, Logger: logger.Discard()})
	if err != nil {
		t.Fatalf("Failed to init client: %v", err)
	}
	defer c.Destroy(rx)
	if err := c.Connect(ctx, rx, Scheme+addr); api.CodeOf(err) != api.ErrNetwork {
		t.Errorf("Expected ErrNetwork, got %v", err)
	}
}

func TestResultsPaging(t *testing.T) {
	server := newFakeServer(t, pagedItems(5))
	c, rx := setupClient(t, server.dsn(), api.Config{FetchAmount: 2})

	res, err := c.Select(ctx, rx, "SELECT * FROM items")
	if err != nil {
		t.Fatalf("Failed to select: %v", err)
	}
	if res.Count != 5 {
		t.Errorf("Expected count 5, got %d", res.Count)
	}
	items := readAll(t, c, res)
	if len(items) != 5 || items[4] != `{"id":5}` {
		t.Errorf("Unexpected items %v", items)
	}
	if n := server.seen(CmdFetchResults); n != 2 {
		t.Errorf("Expected 2 page fetches, got %d", n)
	}

	// fully read sets are released locally
	c.ResultsDelete(res.Handle)
	if n := server.seen(CmdCloseResults); n != 0 {
		t.Errorf("Expected no close_results for a drained set, got %d", n)
	}
	if err := c.ResultsStatus(res.Handle); err == nil {
		t.Error("Expected released handle to be unknown")
	}
}

func TestResultsDeleteReleasesServerSet(t *testing.T) {
	server := newFakeServer(t, pagedItems(5))
	c, rx := setupClient(t, server.dsn(), api.Config{FetchAmount: 2})

	res, err := c.Select(ctx, rx, "SELECT * FROM items")
	if err != nil {
		t.Fatalf("Failed to select: %v", err)
	}
	if _, err := c.ResultsIterate(res.Handle); err != nil {
		t.Fatalf("Failed to iterate: %v", err)
	}
	c.ResultsDelete(res.Handle)
	if n := server.seen(CmdCloseResults); n != 1 {
		t.Errorf("Expected 1 close_results, got %d", n)
	}
}

func TestSinglePageResults(t *testing.T) {
	server := newFakeServer(t, pagedItems(3))
	c, rx := setupClient(t, server.dsn(), api.Config{})

	res, err := c.Select(ctx, rx, "SELECT * FROM items")
	if err != nil {
		t.Fatalf("Failed to select: %v", err)
	}
	if items := readAll(t, c, res); len(items) != 3 {
		t.Errorf("Expected 3 items, got %v", items)
	}
	if n := server.seen(CmdFetchResults); n != 0 {
		t.Errorf("Expected no page fetches, got %d", n)
	}
}

func TestEngineErrorsPassThrough(t *testing.T) {
	server := newFakeServer(t, func(req Request) (any, error) {
		return nil, api.Errorf(api.ErrConflict, "Duplicate key in '%s'", "items")
	})
	c, rx := setupClient(t, server.dsn(), api.Config{})

	err := c.NamespaceOpen(ctx, rx, "items")
	var apiErr *api.Error
	if !errors.As(err, &apiErr) {
		t.Fatalf("Expected *api.Error, got %v", err)
	}
	if apiErr.Code != api.ErrConflict || apiErr.Message != "Duplicate key in 'items'" {
		t.Errorf("Unexpected error %+v", apiErr)
	}
}

func TestItemModifyValidatesJSON(t *testing.T) {
	server := newFakeServer(t, func(req Request) (any, error) { return nil, nil })
	c, rx := setupClient(t, server.dsn(), api.Config{})

	err := c.ItemModify(ctx, rx, "items", core.ModeUpsert, []byte("{broken"), nil)
	if api.CodeOf(err) != api.ErrParseJSON {
		t.Errorf("Expected ErrParseJSON, got %v", err)
	}
	if n := server.seen(CmdItemModify); n != 0 {
		t.Errorf("Expected invalid item to stay local, got %d requests", n)
	}
}

func TestCallTimeout(t *testing.T) {
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	server := newFakeServer(t, func(req Request) (any, error) {
		<-release
		return nil, nil
	})
	c, rx := setupClient(t, server.dsn(), api.Config{})

	tctx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	if err := c.Ping(tctx, rx); api.CodeOf(err) != api.ErrTimeout {
		t.Errorf("Expected ErrTimeout, got %v", err)
	}
}

func TestReconnectAfterDrop(t *testing.T) {
	server := newFakeServer(t, func(req Request) (any, error) { return nil, nil })
	c, rx := setupClient(t, server.dsn(), api.Config{})

	cn, err := c.conn(rx)
	if err != nil {
		t.Fatalf("Failed to get connection: %v", err)
	}
	cn.mu.Lock()
	cn.nc.Close()
	cn.mu.Unlock()

	// the broken call fails and the next one redials
	if err := c.Ping(ctx, rx); api.CodeOf(err) != api.ErrNetwork {
		t.Errorf("Expected ErrNetwork, got %v", err)
	}
	if err := c.Ping(ctx, rx); err != nil {
		t.Errorf("Expected ping after reconnect to succeed, got %v", err)
	}
	server.mu.Lock()
	logins := server.logins
	server.mu.Unlock()
	if logins != 2 {
		t.Errorf("Expected 2 logins, got %d", logins)
	}
}

func TestCompressionNegotiation(t *testing.T) {
	server := newFakeServer(t, func(req Request) (any, error) { return nil, nil })
	setupClient(t, server.dsn(), api.Config{EnableCompression: true, Compression: "zstd"})

	server.mu.Lock()
	defer server.mu.Unlock()
	if server.codec != CodecZstd {
		t.Errorf("Expected zstd frames, got %s", server.codec)
	}
}

func TestTransactionHandles(t *testing.T) {
	server := newFakeServer(t, func(req Request) (any, error) {
		switch req.Cmd {
		case CmdTxBegin:
			return TxPayload{Tx: 42}, nil
		case CmdTxCommit:
			var args TxArgs
			if err := Decode(req.Args, &args); err != nil {
				return nil, err
			}
			if args.Tx != 42 {
				return nil, api.Errorf(api.ErrNotFound, "unknown transaction")
			}
			return CountPayload{Count: 1}, nil
		}
		return nil, nil
	})
	c, rx := setupClient(t, server.dsn(), api.Config{})

	tx, err := c.NewTransaction(ctx, rx, "items")
	if err != nil {
		t.Fatalf("Failed to begin transaction: %v", err)
	}
	if tx == 42 {
		t.Error("Expected a local handle, got the server id")
	}
	if err := c.TxItemModify(tx, core.ModeInsert, []byte(`{"id":1}`), nil); err != nil {
		t.Fatalf("Failed to add item: %v", err)
	}
	n, err := c.CommitTransaction(ctx, tx)
	if err != nil {
		t.Fatalf("Failed to commit: %v", err)
	}
	if n != 1 {
		t.Errorf("Expected 1 change, got %d", n)
	}
	if _, err := c.CommitTransaction(ctx, tx); err == nil {
		t.Error("Expected second commit to fail")
	}
}
