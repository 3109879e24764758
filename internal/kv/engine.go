// Package kv implements the multi-tenant key-value engine on top of an
// ordered index store. Every logical entry is kept in two physical records,
// a forward record keyed by tenant then key and a reverse record keyed by key
// then tenant, which always carry the same value.
package kv

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	kverrors "github.com/devrev/kvpk/internal/errors"
	"github.com/devrev/kvpk/internal/indexstore"
	"github.com/devrev/kvpk/internal/keys"
	"github.com/devrev/kvpk/internal/metrics"
	"github.com/devrev/kvpk/internal/validation"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Operation names used in logs and metrics.
const (
	OpGet         = "get"
	OpSet         = "set"
	OpUnset       = "unset"
	OpSetMany     = "set_many"
	OpList        = "list"
	OpReverse     = "reverse"
	OpArrayInsert = "array_insert"
	OpArrayRemove = "array_remove"
)

const (
	DefaultScanPageSize     = 1000
	DefaultFetchConcurrency = 16
)

// Entry is one item of a list result.
type Entry struct {
	Key   string          `json:"key"`
	Value json.RawMessage `json:"value"`
}

// TenantEntry is one item of a reverse lookup result.
type TenantEntry struct {
	Tenant string          `json:"tenant"`
	Value  json.RawMessage `json:"value"`
}

// Options tunes an Engine. Zero values select the defaults.
type Options struct {
	ScanPageSize     int
	FetchConcurrency int
}

// Engine implements get, set, unset, list and reverse while keeping the
// forward and reverse indexes in step.
type Engine struct {
	store       indexstore.Store
	validator   *validation.Validator
	metrics     *metrics.Metrics
	logger      *zap.Logger
	pageSize    int
	concurrency int
}

// NewEngine creates an engine over store. metrics may be nil.
func NewEngine(store indexstore.Store, validator *validation.Validator, m *metrics.Metrics, logger *zap.Logger, opts Options) *Engine {
	if opts.ScanPageSize <= 0 {
		opts.ScanPageSize = DefaultScanPageSize
	}
	if opts.FetchConcurrency <= 0 {
		opts.FetchConcurrency = DefaultFetchConcurrency
	}

	return &Engine{
		store:       store,
		validator:   validator,
		metrics:     m,
		logger:      logger,
		pageSize:    opts.ScanPageSize,
		concurrency: opts.FetchConcurrency,
	}
}

// Get returns the value of (tenant, key), or nil when the key is absent.
func (e *Engine) Get(ctx context.Context, tenant, key string) (value json.RawMessage, err error) {
	defer e.observe(OpGet, time.Now(), &err)

	value, err = e.read(ctx, keys.Forward(tenant, key))
	if err != nil {
		return nil, e.storageError(OpGet, tenant, key, err)
	}
	return value, nil
}

// Set stores value under (tenant, key) in both indexes. A null value is
// rejected; callers that accept null as a delete use Write.
func (e *Engine) Set(ctx context.Context, tenant, key string, value json.RawMessage) (err error) {
	defer e.observe(OpSet, time.Now(), &err)

	normalized, err := e.validateEntry(tenant, key, value)
	if err != nil {
		return err
	}
	return e.put(ctx, tenant, key, normalized)
}

// Unset removes (tenant, key) from both indexes. Removing an absent key is
// not an error.
func (e *Engine) Unset(ctx context.Context, tenant, key string) (err error) {
	defer e.observe(OpUnset, time.Now(), &err)

	if err := e.validator.ValidateTenant(tenant); err != nil {
		return err
	}
	if err := e.validator.ValidateKey(key); err != nil {
		return err
	}

	err = e.store.Apply(ctx,
		indexstore.Delete(keys.Forward(tenant, key)),
		indexstore.Delete(keys.Reverse(tenant, key)),
	)
	if err != nil {
		return e.storageError(OpUnset, tenant, key, err)
	}
	return nil
}

// Write routes a null value to Unset and anything else to Set.
func (e *Engine) Write(ctx context.Context, tenant, key string, value json.RawMessage) error {
	if validation.IsAbsent(value) {
		return kverrors.Validation("Empty key or value.")
	}
	if validation.IsNull(value) {
		return e.Unset(ctx, tenant, key)
	}
	return e.Set(ctx, tenant, key, value)
}

// SetMany writes a batch of items, where a null value deletes its key. The
// whole batch is validated before anything is written. When a key appears more
// than once the last item wins. Distinct keys are then written concurrently;
// the first failure is returned and writes that already completed are kept.
func (e *Engine) SetMany(ctx context.Context, tenant string, items []validation.BatchItem) (err error) {
	defer e.observe(OpSetMany, time.Now(), &err)

	if err := e.validator.ValidateTenant(tenant); err != nil {
		return err
	}
	if err := e.validator.ValidateBatch(items); err != nil {
		return err
	}

	type write struct {
		key   string
		value json.RawMessage // nil deletes
	}
	writes := make([]write, len(items))
	for i, item := range items {
		if err := e.validator.ValidateKey(item.Key); err != nil {
			return err
		}
		if validation.IsNull(item.Value) {
			writes[i] = write{key: item.Key}
			continue
		}
		normalized, err := e.validator.NormalizeValue(item.Value)
		if err != nil {
			return err
		}
		writes[i] = write{key: item.Key, value: normalized}
	}

	last := make(map[string]int, len(writes))
	for i, w := range writes {
		last[w.key] = i
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.concurrency)
	for i, w := range writes {
		if last[w.key] != i {
			continue
		}
		g.Go(func() error {
			if w.value == nil {
				return e.delete(gctx, tenant, w.key)
			}
			return e.put(gctx, tenant, w.key, w.value)
		})
	}
	return g.Wait()
}

// List returns the live entries of tenant whose key starts with prefix, in
// store order, truncated to limit when limit is positive.
func (e *Engine) List(ctx context.Context, tenant, prefix string, limit int) (entries []Entry, err error) {
	defer e.observe(OpList, time.Now(), &err)

	if err := e.validator.ValidateTenant(tenant); err != nil {
		return nil, err
	}
	if err := e.validator.ValidateLimit(limit); err != nil {
		return nil, err
	}

	physical, err := drainScan(ctx, e.store, keys.ForwardPrefix(tenant, prefix), e.pageSize)
	if err != nil {
		return nil, e.storageError(OpList, tenant, prefix, err)
	}

	values, err := e.fetchLive(ctx, physical, limit)
	if err != nil {
		return nil, e.storageError(OpList, tenant, prefix, err)
	}

	entries = make([]Entry, 0, len(values))
	for _, v := range values {
		key, ok := keys.StripForward(tenant, v.physical)
		if !ok {
			continue
		}
		entries = append(entries, Entry{Key: key, Value: v.value})
	}

	e.metrics.RecordResultItems(OpList, len(entries))
	return entries, nil
}

// Reverse returns every tenant holding key together with its value, in store
// order, truncated to limit when limit is positive.
func (e *Engine) Reverse(ctx context.Context, key string, limit int) (entries []TenantEntry, err error) {
	defer e.observe(OpReverse, time.Now(), &err)

	if err := e.validator.ValidateKey(key); err != nil {
		return nil, err
	}
	if err := e.validator.ValidateLimit(limit); err != nil {
		return nil, err
	}

	physical, err := drainScan(ctx, e.store, keys.ReversePrefix(key), e.pageSize)
	if err != nil {
		return nil, e.storageError(OpReverse, "", key, err)
	}

	values, err := e.fetchLive(ctx, physical, limit)
	if err != nil {
		return nil, e.storageError(OpReverse, "", key, err)
	}

	entries = make([]TenantEntry, 0, len(values))
	for _, v := range values {
		tenant, ok := keys.StripReverse(key, v.physical)
		if !ok || tenant == "" {
			continue
		}
		entries = append(entries, TenantEntry{Tenant: tenant, Value: v.value})
	}

	e.metrics.RecordResultItems(OpReverse, len(entries))
	return entries, nil
}

type liveValue struct {
	physical string
	value    json.RawMessage
}

// fetchLive reads the values of physical keys concurrently and keeps those
// that still hold a non-null value, preserving order. With a positive limit
// it fetches window by window and stops once limit live values are found.
func (e *Engine) fetchLive(ctx context.Context, physical []string, limit int) ([]liveValue, error) {
	window := len(physical)
	if limit > 0 && limit < window {
		window = max(limit, e.concurrency)
	}

	live := make([]liveValue, 0, min(len(physical), max(limit, 0)))
	for start := 0; start < len(physical); start += window {
		end := min(start+window, len(physical))
		chunk := physical[start:end]
		values := make([]json.RawMessage, len(chunk))

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(e.concurrency)
		for i, pk := range chunk {
			g.Go(func() error {
				v, err := e.read(gctx, pk)
				if err != nil {
					return err
				}
				values[i] = v
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}

		for i, v := range values {
			// deleted between scan and read
			if v == nil || validation.IsNull(v) {
				continue
			}
			live = append(live, liveValue{physical: chunk[i], value: v})
			if limit > 0 && len(live) == limit {
				return live, nil
			}
		}
	}
	return live, nil
}

// read returns the raw value under a physical key, nil when absent.
func (e *Engine) read(ctx context.Context, physical string) (json.RawMessage, error) {
	value, err := e.store.Get(ctx, physical)
	if errors.Is(err, indexstore.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return value, nil
}

// put writes both records of an already validated entry in one Apply.
func (e *Engine) put(ctx context.Context, tenant, key string, normalized json.RawMessage) error {
	err := e.store.Apply(ctx,
		indexstore.Put(keys.Forward(tenant, key), normalized),
		indexstore.Put(keys.Reverse(tenant, key), normalized),
	)
	if err != nil {
		return e.storageError(OpSet, tenant, key, err)
	}
	return nil
}

func (e *Engine) delete(ctx context.Context, tenant, key string) error {
	err := e.store.Apply(ctx,
		indexstore.Delete(keys.Forward(tenant, key)),
		indexstore.Delete(keys.Reverse(tenant, key)),
	)
	if err != nil {
		return e.storageError(OpUnset, tenant, key, err)
	}
	return nil
}

func (e *Engine) validateEntry(tenant, key string, value json.RawMessage) (json.RawMessage, error) {
	if err := e.validator.ValidateTenant(tenant); err != nil {
		return nil, err
	}
	if err := e.validator.ValidateKey(key); err != nil {
		return nil, err
	}
	return e.validator.NormalizeValue(value)
}

func (e *Engine) storageError(op, tenant, key string, err error) error {
	if kverrors.IsKVError(err) {
		return err
	}
	e.logger.Error("Index store operation failed",
		zap.String("operation", op),
		zap.String("tenant", tenant),
		zap.String("key", key),
		zap.Error(err))
	return kverrors.Internal("Storage operation failed.", err)
}

// observe records the outcome of an operation. It is deferred with a pointer
// to the named error result.
func (e *Engine) observe(op string, start time.Time, errp *error) {
	outcome := "ok"
	if err := *errp; err != nil {
		code := kverrors.GetCode(err)
		outcome = string(code)
		if code != kverrors.ErrorCodeInternal {
			e.logger.Warn("Operation rejected",
				zap.String("operation", op),
				zap.Error(err))
		}
	}
	e.metrics.RecordOperation(op, outcome, time.Since(start))
}
