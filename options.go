package rxbind

import (
	"log/slog"
	"time"

	"github.com/nickyhof/rxbind/api"
)

const (
	defaultFetchAmount               = 1000
	defaultClientName                = "rxbind"
	defaultSyncRxCoroCount           = 10
	defaultMaxReplicationUpdatesSize = 1024 * 1024 * 1024
)

type options struct {
	cfg    api.Config
	engine api.API
	s3     *s3Config
}

// Option configures a Connector
type Option func(*options)

func defaultOptions() *options {
	return &options{cfg: api.Config{
		FetchAmount:               defaultFetchAmount,
		ClientName:                defaultClientName,
		SyncRxCoroCount:           defaultSyncRxCoroCount,
		MaxReplicationUpdatesSize: defaultMaxReplicationUpdatesSize,
		AllocatorCacheLimit:       -1,
		AllocatorCachePart:        -1,
	}}
}

// WithFetchAmount sets how many rows a remote result set fetches per round trip
func WithFetchAmount(n int) Option {
	return func(o *options) { o.cfg.FetchAmount = n }
}

// WithReconnectAttempts sets how often a remote connection is re-established
func WithReconnectAttempts(n int) Option {
	return func(o *options) { o.cfg.ReconnectAttempts = n }
}

// WithNetTimeout bounds dialing and every network round trip
func WithNetTimeout(d time.Duration) Option {
	return func(o *options) { o.cfg.NetTimeout = d }
}

// WithCompression enables frame compression on remote connections
func WithCompression(enable bool) Option {
	return func(o *options) { o.cfg.EnableCompression = enable }
}

// WithCompressionAlgorithm selects snappy, zstd or lz4
func WithCompressionAlgorithm(name string) Option {
	return func(o *options) { o.cfg.Compression = name }
}

func WithSpecialThread(enable bool) Option {
	return func(o *options) { o.cfg.StartSpecialThread = enable }
}

func WithClientName(name string) Option {
	return func(o *options) { o.cfg.ClientName = name }
}

func WithSyncRxCoroCount(n int) Option {
	return func(o *options) { o.cfg.SyncRxCoroCount = n }
}

func WithMaxReplicationUpdatesSize(n int64) Option {
	return func(o *options) { o.cfg.MaxReplicationUpdatesSize = n }
}

func WithAllocatorCacheLimit(n int64) Option {
	return func(o *options) { o.cfg.AllocatorCacheLimit = n }
}

func WithAllocatorCachePart(part float64) Option {
	return func(o *options) { o.cfg.AllocatorCachePart = part }
}

// WithAuthToken authenticates remote connections with a JWT
func WithAuthToken(token string) Option {
	return func(o *options) { o.cfg.AuthToken = token }
}

func WithLogger(log *slog.Logger) Option {
	return func(o *options) { o.cfg.Logger = log }
}

// WithEngine serves the connector from an existing engine instead of one
// chosen by DSN scheme
func WithEngine(engine api.API) Option {
	return func(o *options) { o.engine = engine }
}

// WithS3 sets credentials and an optional S3-compatible endpoint used by
// Dump and Restore for s3:// locations
func WithS3(accessKey, secretKey, region, endpoint string) Option {
	return func(o *options) {
		o.s3 = &s3Config{accessKey: accessKey, secretKey: secretKey, region: region, endpoint: endpoint}
	}
}
