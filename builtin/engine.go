package builtin

import (
	"context"
	"log/slog"
	"net/url"
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/nickyhof/rxbind/api"
	"github.com/nickyhof/rxbind/core"
	"github.com/nickyhof/rxbind/dsl"
	"github.com/nickyhof/rxbind/logger"
	"github.com/nickyhof/rxbind/ps"
)

// Scheme is the DSN scheme served by this engine
const Scheme = "builtin://"

const totalsCacheSize = 1024

var identity = core.Identity{
	Name:  "rxbind",
	Email: "builtin@rxbind.local",
}

// Engine is the in-process implementation of api.API
type Engine struct {
	*dsl.Registry

	mu           sync.Mutex
	next         api.Handle
	instances    map[api.Handle]*instance
	queryOwners  map[api.Handle]api.Handle
	transactions map[api.Handle]*transaction
	results      map[api.Handle]*resultSet
}

var _ api.API = (*Engine)(nil)

// New returns an engine with no instances
func New() *Engine {
	return &Engine{
		Registry:     dsl.NewRegistry(),
		instances:    make(map[api.Handle]*instance),
		queryOwners:  make(map[api.Handle]api.Handle),
		transactions: make(map[api.Handle]*transaction),
		results:      make(map[api.Handle]*resultSet),
	}
}

// instance is one connected database
type instance struct {
	cfg        api.Config
	log        *slog.Logger
	store      *ps.Persistence
	mu         sync.RWMutex
	namespaces map[string]*namespace
	totals     *lru.Cache[string, int]
	epochs     uint64
	precepts   *evaluator
}

func (engine *Engine) nextHandle() api.Handle {
	engine.next++
	return engine.next
}

func (engine *Engine) Init(cfg api.Config) (api.Handle, error) {
	log := cfg.Logger
	if log == nil {
		log = logger.Get()
	}
	totals, err := lru.New[string, int](totalsCacheSize)
	if err != nil {
		return 0, api.FromError(err)
	}

	engine.mu.Lock()
	defer engine.mu.Unlock()
	h := engine.nextHandle()
	engine.instances[h] = &instance{
		cfg:        cfg,
		log:        log.With("engine", "builtin"),
		namespaces: make(map[string]*namespace),
		totals:     totals,
		precepts:   newEvaluator(),
	}
	return h, nil
}

func (engine *Engine) instance(rx api.Handle) (*instance, error) {
	if !rx.Valid() {
		return nil, api.Errorf(api.ErrParams, "Connection is not initialized")
	}
	engine.mu.Lock()
	defer engine.mu.Unlock()
	inst, ok := engine.instances[rx]
	if !ok {
		return nil, api.Errorf(api.ErrParams, "Unknown instance handle %d", rx)
	}
	return inst, nil
}

// connected returns an instance that has storage attached
func (engine *Engine) connected(rx api.Handle) (*instance, error) {
	inst, err := engine.instance(rx)
	if err != nil {
		return nil, err
	}
	if inst.store == nil {
		return nil, api.Errorf(api.ErrNotValid, "Not connected")
	}
	return inst, nil
}

func (engine *Engine) Connect(ctx context.Context, rx api.Handle, dsn string) error {
	inst, err := engine.instance(rx)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return api.FromError(err)
	}
	if !strings.HasPrefix(dsn, Scheme) {
		return api.Errorf(api.ErrParams, "Unsupported DSN for builtin engine: %s", dsn)
	}

	path, rawQuery, _ := strings.Cut(strings.TrimPrefix(dsn, Scheme), "?")
	params, err := url.ParseQuery(rawQuery)
	if err != nil {
		return api.Errorf(api.ErrParams, "Invalid DSN parameters: %v", err)
	}

	var store *ps.Persistence
	if path == "" {
		store, err = ps.NewMemoryPersistence()
	} else {
		var remote *string
		if r := params.Get("remote"); r != "" {
			remote = &r
		}
		store, err = ps.NewFilePersistence(path, remote)
	}
	if err != nil {
		return api.Errorf(api.ErrNotValid, "Failed to open storage: %v", err)
	}

	inst.mu.Lock()
	inst.store = store
	inst.mu.Unlock()

	inst.log.Info("connected", "path", path, "memory", store.IsMemory())
	return nil
}

// Destroy releases an instance and every object it created
func (engine *Engine) Destroy(rx api.Handle) error {
	if !rx.Valid() {
		return api.Errorf(api.ErrParams, "Connection is not initialized")
	}
	engine.mu.Lock()
	defer engine.mu.Unlock()
	if _, ok := engine.instances[rx]; !ok {
		return api.Errorf(api.ErrParams, "Unknown instance handle %d", rx)
	}
	delete(engine.instances, rx)
	for q, owner := range engine.queryOwners {
		if owner == rx {
			engine.Registry.DestroyQuery(q)
			delete(engine.queryOwners, q)
		}
	}
	for h, tx := range engine.transactions {
		if tx.rx == rx {
			delete(engine.transactions, h)
		}
	}
	for h, rs := range engine.results {
		if rs.rx == rx {
			delete(engine.results, h)
		}
	}
	return nil
}

func (engine *Engine) CreateQuery(rx api.Handle, ns string) (api.Handle, error) {
	if _, err := engine.connected(rx); err != nil {
		return 0, err
	}
	h := engine.Registry.Create(ns)
	engine.mu.Lock()
	engine.queryOwners[h] = rx
	engine.mu.Unlock()
	return h, nil
}

// ImportQuery registers a query received from elsewhere, such as the
// remote protocol, under the given instance.
func (engine *Engine) ImportQuery(rx api.Handle, q *dsl.Query) (api.Handle, error) {
	if _, err := engine.connected(rx); err != nil {
		return 0, err
	}
	h := engine.Registry.Import(q)
	engine.mu.Lock()
	engine.queryOwners[h] = rx
	engine.mu.Unlock()
	return h, nil
}

func (engine *Engine) DestroyQuery(q api.Handle) {
	engine.Registry.DestroyQuery(q)
	engine.mu.Lock()
	delete(engine.queryOwners, q)
	engine.mu.Unlock()
}

// queryInstance resolves a query handle and the instance that owns it
func (engine *Engine) queryInstance(h api.Handle) (*dsl.Query, *instance, api.Handle, error) {
	q, err := engine.Registry.Lookup(h)
	if err != nil {
		return nil, nil, 0, err
	}
	engine.mu.Lock()
	rx, ok := engine.queryOwners[h]
	engine.mu.Unlock()
	if !ok {
		return nil, nil, 0, api.Errorf(api.ErrParams, "Query %d has no owner", h)
	}
	inst, err := engine.connected(rx)
	if err != nil {
		return nil, nil, 0, err
	}
	return q, inst, rx, nil
}
