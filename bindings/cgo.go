package main

/*
#include <stdlib.h>
*/
import "C"
import (
	"context"
	"encoding/json"
	"sync"
	"time"
	"unsafe"

	"github.com/nickyhof/rxbind"
	"github.com/nickyhof/rxbind/api"
	"github.com/nickyhof/rxbind/core"
	"github.com/nickyhof/rxbind/logger"
)

var (
	mu         sync.Mutex
	handles    = make(map[int]*rxbind.Connector)
	nextHandle = 1
)

// Options is the JSON accepted by rxbind_open
type Options struct {
	FetchAmount       int    `json:"fetch_amount,omitempty"`
	ReconnectAttempts int    `json:"reconnect_attempts,omitempty"`
	NetTimeoutMs      int    `json:"net_timeout_ms,omitempty"`
	Compression       string `json:"compression,omitempty"`
	ClientName        string `json:"client_name,omitempty"`
	AuthToken         string `json:"auth_token,omitempty"`
}

// Response mirrors the server protocol for consistency
type Response struct {
	Success bool            `json:"success"`
	Code    api.ErrorCode   `json:"code,omitempty"`
	Error   string          `json:"error,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
}

type QueryResponse struct {
	Count        int                      `json:"count"`
	TotalCount   int                      `json:"total_count"`
	Items        []map[string]any         `json:"items"`
	Aggregations []core.AggregationResult `json:"aggregations,omitempty"`
}

func (o Options) connectorOptions() []rxbind.Option {
	opts := []rxbind.Option{rxbind.WithLogger(logger.Get())}
	if o.FetchAmount > 0 {
		opts = append(opts, rxbind.WithFetchAmount(o.FetchAmount))
	}
	if o.ReconnectAttempts > 0 {
		opts = append(opts, rxbind.WithReconnectAttempts(o.ReconnectAttempts))
	}
	if o.NetTimeoutMs > 0 {
		opts = append(opts, rxbind.WithNetTimeout(time.Duration(o.NetTimeoutMs)*time.Millisecond))
	}
	if o.Compression != "" {
		opts = append(opts, rxbind.WithCompression(true), rxbind.WithCompressionAlgorithm(o.Compression))
	}
	if o.ClientName != "" {
		opts = append(opts, rxbind.WithClientName(o.ClientName))
	}
	if o.AuthToken != "" {
		opts = append(opts, rxbind.WithAuthToken(o.AuthToken))
	}
	return opts
}

func connector(handle C.int) (*rxbind.Connector, bool) {
	mu.Lock()
	defer mu.Unlock()
	c, ok := handles[int(handle)]
	return c, ok
}

// rxbind_open connects to dsn and returns a handle, or -1
//
//export rxbind_open
func rxbind_open(dsn *C.char, options *C.char) C.int {
	var o Options
	if options != nil {
		if err := json.Unmarshal([]byte(C.GoString(options)), &o); err != nil {
			return -1
		}
	}
	c, err := rxbind.NewConnector(C.GoString(dsn), o.connectorOptions()...)
	if err != nil {
		logger.Get().Error("failed to open connector", "error", err)
		return -1
	}

	mu.Lock()
	defer mu.Unlock()
	handle := nextHandle
	nextHandle++
	handles[handle] = c
	return C.int(handle)
}

//export rxbind_close
func rxbind_close(handle C.int) {
	mu.Lock()
	c, ok := handles[int(handle)]
	delete(handles, int(handle))
	mu.Unlock()
	if ok {
		_ = c.Close()
	}
}

//export rxbind_namespace_open
func rxbind_namespace_open(handle C.int, ns *C.char) *C.char {
	c, ok := connector(handle)
	if !ok {
		return makeErrorResponse(api.ErrParams, "Invalid handle")
	}
	return makeResponse(nil, c.NamespaceOpen(context.Background(), C.GoString(ns)))
}

//export rxbind_namespace_drop
func rxbind_namespace_drop(handle C.int, ns *C.char) *C.char {
	c, ok := connector(handle)
	if !ok {
		return makeErrorResponse(api.ErrParams, "Invalid handle")
	}
	return makeResponse(nil, c.NamespaceDrop(context.Background(), C.GoString(ns)))
}

// rxbind_index_add takes the index definition as JSON
//
//export rxbind_index_add
func rxbind_index_add(handle C.int, ns *C.char, def *C.char) *C.char {
	c, ok := connector(handle)
	if !ok {
		return makeErrorResponse(api.ErrParams, "Invalid handle")
	}
	var idx core.IndexDef
	if err := json.Unmarshal([]byte(C.GoString(def)), &idx); err != nil {
		return makeErrorResponse(api.ErrParseJSON, err.Error())
	}
	return makeResponse(nil, c.IndexAdd(context.Background(), C.GoString(ns), idx))
}

// rxbind_item_modify applies mode (0 update, 1 insert, 2 upsert, 3 delete)
// to a JSON item
//
//export rxbind_item_modify
func rxbind_item_modify(handle C.int, ns *C.char, mode C.int, item *C.char) *C.char {
	c, ok := connector(handle)
	if !ok {
		return makeErrorResponse(api.ErrParams, "Invalid handle")
	}
	raw := json.RawMessage(C.GoString(item))
	name := C.GoString(ns)
	ctx := context.Background()

	var err error
	switch core.ItemModifyMode(mode) {
	case core.ModeUpdate:
		err = c.ItemUpdate(ctx, name, raw)
	case core.ModeInsert:
		err = c.ItemInsert(ctx, name, raw)
	case core.ModeUpsert:
		err = c.ItemUpsert(ctx, name, raw)
	case core.ModeDelete:
		err = c.ItemDelete(ctx, name, raw)
	default:
		return makeErrorResponse(api.ErrParams, "Invalid item modify mode")
	}
	return makeResponse(nil, err)
}

// rxbind_select runs SQL and returns every item of the result set
//
//export rxbind_select
func rxbind_select(handle C.int, sql *C.char) *C.char {
	c, ok := connector(handle)
	if !ok {
		return makeErrorResponse(api.ErrParams, "Invalid handle")
	}
	res, err := c.Select(context.Background(), C.GoString(sql))
	if err != nil {
		return makeResponse(nil, err)
	}
	defer res.Close()

	qr := QueryResponse{Count: res.Count(), TotalCount: res.TotalCount(), Items: []map[string]any{}}
	if qr.Aggregations, err = res.AggResults(); err != nil {
		return makeResponse(nil, err)
	}
	for item, err := range res.All() {
		if err != nil {
			return makeResponse(nil, err)
		}
		qr.Items = append(qr.Items, item)
	}
	return makeResponse(qr, nil)
}

//export rxbind_free
func rxbind_free(ptr *C.char) {
	C.free(unsafe.Pointer(ptr))
}

func makeResponse(result any, err error) *C.char {
	if err != nil {
		return makeErrorResponse(api.CodeOf(err), err.Error())
	}
	resp := Response{Success: true}
	if result != nil {
		data, err := json.Marshal(result)
		if err != nil {
			return makeErrorResponse(api.ErrParseJSON, err.Error())
		}
		resp.Result = data
	}
	jsonData, _ := json.Marshal(resp)
	return C.CString(string(jsonData))
}

func makeErrorResponse(code api.ErrorCode, msg string) *C.char {
	resp := Response{
		Success: false,
		Code:    code,
		Error:   msg,
	}
	jsonData, _ := json.Marshal(resp)
	return C.CString(string(jsonData))
}

func main() {}
