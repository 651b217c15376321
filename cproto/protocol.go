package cproto

import (
	"bytes"
	"encoding/json"

	"github.com/nickyhof/rxbind/api"
	"github.com/nickyhof/rxbind/core"
	"github.com/nickyhof/rxbind/dsl"
)

// Command names a server operation
type Command string

const (
	CmdLogin          Command = "login"
	CmdPing           Command = "ping"
	CmdNamespaceOpen  Command = "namespace_open"
	CmdNamespaceClose Command = "namespace_close"
	CmdNamespaceDrop  Command = "namespace_drop"
	CmdNamespacesEnum Command = "namespaces_enum"
	CmdSetSchema      Command = "set_schema"
	CmdIndexAdd       Command = "index_add"
	CmdIndexUpdate    Command = "index_update"
	CmdIndexDrop      Command = "index_drop"
	CmdMetaPut        Command = "meta_put"
	CmdMetaGet        Command = "meta_get"
	CmdMetaDelete     Command = "meta_delete"
	CmdMetaEnum       Command = "meta_enum"
	CmdItemModify     Command = "item_modify"
	CmdSelect         Command = "select"
	CmdSelectQuery    Command = "select_query"
	CmdUpdateQuery    Command = "update_query"
	CmdDeleteQuery    Command = "delete_query"
	CmdFetchResults   Command = "fetch_results"
	CmdCloseResults   Command = "close_results"
	CmdTxBegin        Command = "tx_begin"
	CmdTxItem         Command = "tx_item"
	CmdTxQuery        Command = "tx_query"
	CmdTxCommit       Command = "tx_commit"
	CmdTxRollback     Command = "tx_rollback"
)

// Request is one client call
type Request struct {
	ID   uint64          `json:"id"`
	Cmd  Command         `json:"cmd"`
	Args json.RawMessage `json:"args,omitempty"`
}

// Response answers the request with the same ID. A non-zero Code carries
// the engine error.
type Response struct {
	ID     uint64          `json:"id"`
	Code   api.ErrorCode   `json:"code,omitempty"`
	Error  string          `json:"error,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
}

// Err returns the engine error of the response, or nil
func (r Response) Err() error {
	if r.Code == api.ErrOK {
		return nil
	}
	return &api.Error{Code: r.Code, Message: r.Error}
}

// LoginArgs opens a session. Token takes precedence over User/Password.
type LoginArgs struct {
	User       string `json:"user,omitempty"`
	Password   string `json:"password,omitempty"`
	Token      string `json:"token,omitempty"`
	Database   string `json:"database,omitempty"`
	ClientName string `json:"client_name,omitempty"`
	Codec      Codec  `json:"codec"`
}

// LoginResult describes the session the server opened
type LoginResult struct {
	Session  string `json:"session"`
	Identity string `json:"identity,omitempty"`
	Version  string `json:"version"`
}

type NamespaceArgs struct {
	Namespace string `json:"namespace"`
}

type EnumArgs struct {
	EnumNotOpened bool `json:"enum_not_opened"`
}

type SchemaArgs struct {
	Namespace string `json:"namespace"`
	Schema    string `json:"schema"`
}

type IndexArgs struct {
	Namespace string        `json:"namespace"`
	Index     core.IndexDef `json:"index"`
}

type IndexDropArgs struct {
	Namespace string `json:"namespace"`
	Name      string `json:"name"`
}

type MetaArgs struct {
	Namespace string `json:"namespace"`
	Key       string `json:"key,omitempty"`
	Value     string `json:"value,omitempty"`
}

type ItemArgs struct {
	Namespace string              `json:"namespace,omitempty"`
	Tx        int64               `json:"tx,omitempty"`
	Mode      core.ItemModifyMode `json:"mode"`
	Item      json.RawMessage     `json:"item"`
	Precepts  []string            `json:"precepts,omitempty"`
}

type SQLArgs struct {
	SQL       string `json:"sql"`
	FetchSize int    `json:"fetch_size"`
}

// QueryArgs ships a whole query, including joined, merged and sub queries
type QueryArgs struct {
	Query     *dsl.Query          `json:"query"`
	Tx        int64               `json:"tx,omitempty"`
	Mode      core.ItemModifyMode `json:"mode,omitempty"`
	FetchSize int                 `json:"fetch_size,omitempty"`
}

type FetchArgs struct {
	Results int64 `json:"results"`
	Offset  int   `json:"offset"`
	Limit   int   `json:"limit"`
}

type TxArgs struct {
	Tx int64 `json:"tx"`
}

// ResultsPayload is the first page of a result set. Results is 0 when
// every item fits into Items and the server already released the set.
type ResultsPayload struct {
	Results      int64                    `json:"results,omitempty"`
	Count        int                      `json:"count"`
	TotalCount   int                      `json:"total_count"`
	Items        []json.RawMessage        `json:"items,omitempty"`
	Aggregations []core.AggregationResult `json:"aggregations,omitempty"`
	Explain      string                   `json:"explain,omitempty"`
}

type ItemsPayload struct {
	Items []json.RawMessage `json:"items"`
}

type CountPayload struct {
	Count int `json:"count"`
}

type StringPayload struct {
	Value string `json:"value"`
}

type StringsPayload struct {
	Values []string `json:"values"`
}

type NamespacesPayload struct {
	Namespaces []core.NamespaceDef `json:"namespaces"`
}

type TxPayload struct {
	Tx int64 `json:"tx"`
}

// Encode marshals a message
func Encode(v any) ([]byte, error) {
	return json.Marshal(v)
}

// Decode unmarshals a message keeping numbers as json.Number so integer
// keys survive the trip.
func Decode(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	return dec.Decode(v)
}
