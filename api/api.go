package api

import (
	"context"
	"log/slog"
	"time"

	"github.com/nickyhof/rxbind/core"
)

// Handle identifies an engine-side object
type Handle int64

// Valid reports whether h refers to a live object
func (h Handle) Valid() bool {
	return h > 0
}

// Config is forwarded verbatim to Init
type Config struct {
	FetchAmount               int
	ReconnectAttempts         int
	NetTimeout                time.Duration
	EnableCompression         bool
	Compression               string
	StartSpecialThread        bool
	ClientName                string
	SyncRxCoroCount           int
	MaxReplicationUpdatesSize int64
	AllocatorCacheLimit       int64
	AllocatorCachePart        float64
	AuthToken                 string
	Logger                    *slog.Logger
}

// Results is the payload of every call producing a result set
type Results struct {
	Handle     Handle
	Count      int
	TotalCount int
}

// API is the complete call surface of an engine
type API interface {
	Connection
	Namespaces
	Items
	QueryBuilder
	Transactions
	ResultSets
}

// Connection covers instance lifecycle
type Connection interface {
	Init(cfg Config) (Handle, error)
	Connect(ctx context.Context, rx Handle, dsn string) error
	Destroy(rx Handle) error
}

// Namespaces covers namespace, index and metadata management
type Namespaces interface {
	NamespaceOpen(ctx context.Context, rx Handle, ns string) error
	NamespaceClose(ctx context.Context, rx Handle, ns string) error
	NamespaceDrop(ctx context.Context, rx Handle, ns string) error
	NamespacesEnum(ctx context.Context, rx Handle, enumNotOpened bool) ([]core.NamespaceDef, error)
	SetSchema(ctx context.Context, rx Handle, ns, schema string) error

	IndexAdd(ctx context.Context, rx Handle, ns string, def core.IndexDef) error
	IndexUpdate(ctx context.Context, rx Handle, ns string, def core.IndexDef) error
	IndexDrop(ctx context.Context, rx Handle, ns, name string) error

	MetaPut(ctx context.Context, rx Handle, ns, key, value string) error
	MetaGet(ctx context.Context, rx Handle, ns, key string) (string, error)
	MetaDelete(ctx context.Context, rx Handle, ns, key string) error
	MetaEnum(ctx context.Context, rx Handle, ns string) ([]string, error)
}

// Items covers single-item mutations and raw SQL
type Items interface {
	ItemModify(ctx context.Context, rx Handle, ns string, mode core.ItemModifyMode, item []byte, precepts []string) error
	Select(ctx context.Context, rx Handle, sql string) (Results, error)
}

// QueryBuilder covers the engine-side query state behind a query handle
type QueryBuilder interface {
	CreateQuery(rx Handle, ns string) (Handle, error)
	DestroyQuery(q Handle)

	Where(q Handle, index string, cond core.CondType, keys []any) error
	WhereUUID(q Handle, index string, cond core.CondType, uuids []string) error
	WhereBetweenFields(q Handle, first string, cond core.CondType, second string) error
	WhereQuery(q, sub Handle, cond core.CondType, keys []any) error
	WhereSubquery(q Handle, index string, cond core.CondType, sub Handle) error
	DWithin(q Handle, index string, point core.Point, distance float64) error
	OpenBracket(q Handle) error
	CloseBracket(q Handle) error
	LogOp(q Handle, op core.OpType) error

	Aggregate(q Handle, index string, agg core.AggType) error
	AggregateFacet(q Handle, fields []string) error
	AggregationLimit(q Handle, limit int) error
	AggregationOffset(q Handle, offset int) error
	AggregationSort(q Handle, field string, desc bool) error

	Sort(q Handle, index string, desc bool, forced []any) error
	Total(q Handle, mode core.CalcTotalMode) error
	Limit(q Handle, limit int) error
	Offset(q Handle, offset int) error
	Debug(q Handle, level core.LogLevel) error
	Strict(q Handle, mode core.StrictMode) error
	Explain(q Handle) error
	WithRank(q Handle) error
	SelectFilter(q Handle, fields []string) error
	Functions(q Handle, functions []string) error
	EqualPosition(q Handle, fields []string) error

	Join(q Handle, joinType core.JoinType, child Handle) error
	Merge(q, child Handle) error
	On(q Handle, index string, cond core.CondType, joinIndex string) error

	Set(q Handle, field string, values []any, object bool) error
	Drop(q Handle, field string) error
	Expression(q Handle, field, expr string) error

	SelectQuery(ctx context.Context, q Handle) (Results, error)
	DeleteQuery(ctx context.Context, q Handle) (int, error)
	UpdateQuery(ctx context.Context, q Handle) (Results, error)
}

// Transactions covers the engine-side transaction state machine
type Transactions interface {
	NewTransaction(ctx context.Context, rx Handle, ns string) (Handle, error)
	TxItemModify(tx Handle, mode core.ItemModifyMode, item []byte, precepts []string) error
	TxQueryModify(tx Handle, q Handle, mode core.ItemModifyMode) error
	CommitTransaction(ctx context.Context, tx Handle) (int, error)
	RollbackTransaction(ctx context.Context, tx Handle) error
}

// ResultSets covers reading a result set
type ResultSets interface {
	ResultsIterate(r Handle) ([]byte, error)
	ResultsStatus(r Handle) error
	ResultsDelete(r Handle)
	AggResults(r Handle) ([]core.AggregationResult, error)
	ExplainResults(r Handle) (string, error)
}
