// Package cluster implements the clustered store: a store.Store whose
// entries live on the active node of a replicated pair.
package cluster

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/devrev/paircache/internal/copier"
	cerrors "github.com/devrev/paircache/internal/errors"
	"github.com/devrev/paircache/internal/model"
	"github.com/devrev/paircache/internal/store"
	"github.com/devrev/paircache/internal/timesource"
	"github.com/devrev/paircache/internal/transport"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// DefaultWriteTimeout bounds one attempt of a mutation
const DefaultWriteTimeout = 30 * time.Second

// Router resolves the active node of the pair
type Router interface {
	Active(ctx context.Context) (string, transport.NodeClient, error)
}

// Config holds clustered store configuration
type Config[K comparable, V any] struct {
	Cache       string
	Consistency model.Consistency
	// WriteTimeout bounds one attempt of a mutation
	WriteTimeout    time.Duration
	KeySerializer   copier.Serializer[K]
	ValueSerializer copier.Serializer[V]
	// Compress snappy-compresses serialized values before they are sent
	Compress   bool
	TimeSource timesource.TimeSource
	Logger     *zap.Logger
}

// Store is a store.Store backed by the pair. Every mutation carries a dedup
// token so a retried attempt is applied at most once.
type Store[K comparable, V any] struct {
	cfg      Config[K, V]
	router   Router
	clientID string
	seq      atomic.Uint64
	logger   *zap.Logger
}

var (
	_ store.Store[string, string] = (*Store[string, string])(nil)
	_ store.TokenIssuer           = (*Store[string, string])(nil)
)

// NewStore creates a clustered store routing through router
func NewStore[K comparable, V any](cfg Config[K, V], router Router) (*Store[K, V], error) {
	if cfg.KeySerializer == nil || cfg.ValueSerializer == nil {
		return nil, cerrors.InvalidArgument("key and value serializers are required", nil)
	}
	consistency, err := model.ParseConsistency(string(cfg.Consistency))
	if err != nil {
		return nil, cerrors.InvalidArgument(err.Error(), nil)
	}
	cfg.Consistency = consistency
	if cfg.Compress {
		cfg.ValueSerializer = copier.NewSnappySerializer(cfg.ValueSerializer)
	}
	if cfg.Cache == "" {
		cfg.Cache = "default"
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}
	if cfg.TimeSource == nil {
		cfg.TimeSource = timesource.System
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	clientID := uuid.NewString()
	return &Store[K, V]{
		cfg:      cfg,
		router:   router,
		clientID: clientID,
		logger: cfg.Logger.With(
			zap.String("cache", cfg.Cache),
			zap.String("client_id", clientID)),
	}, nil
}

// ClientID returns the id prefixing every token of this store
func (s *Store[K, V]) ClientID() string {
	return s.clientID
}

// NewToken returns a token unique to this client
func (s *Store[K, V]) NewToken() string {
	return fmt.Sprintf("%s:%d", s.clientID, s.seq.Add(1))
}

func (s *Store[K, V]) encodeKey(key K) (string, error) {
	data, err := s.cfg.KeySerializer.Serialize(key)
	if err != nil {
		return "", cerrors.StoreAccess("failed to serialize key", err)
	}
	return string(data), nil
}

func (s *Store[K, V]) holder(data []byte) (*store.ValueHolder[V], error) {
	v, err := s.cfg.ValueSerializer.Deserialize(data)
	if err != nil {
		return nil, cerrors.StoreAccess("failed to deserialize value", err)
	}
	return store.NewValueHolder(v, s.cfg.TimeSource.Now()), nil
}

// execute sends op to the active node. A write attempt that outlives
// WriteTimeout is reported as a ReplicationTimeout.
func (s *Store[K, V]) execute(ctx context.Context, op *model.Operation) (*model.OperationResult, error) {
	op.Cache = s.cfg.Cache
	op.Consistency = s.cfg.Consistency
	if token, ok := store.OperationToken(ctx); ok {
		op.Token = token
	} else {
		op.Token = s.NewToken()
	}

	_, client, err := s.router.Active(ctx)
	if err != nil {
		return nil, err
	}

	attemptCtx, cancel := context.WithTimeout(ctx, s.cfg.WriteTimeout)
	defer cancel()
	res, err := client.Execute(attemptCtx, op)
	if err != nil {
		if ctx.Err() == nil && stderrors.Is(err, context.DeadlineExceeded) {
			return nil, cerrors.ReplicationTimeout("write attempt timed out", err).
				WithDetail("token", op.Token)
		}
		return nil, err
	}
	return res, nil
}

func (s *Store[K, V]) Get(ctx context.Context, key K) (*store.ValueHolder[V], error) {
	k, err := s.encodeKey(key)
	if err != nil {
		return nil, err
	}
	_, client, err := s.router.Active(ctx)
	if err != nil {
		return nil, err
	}
	data, found, err := client.Get(ctx, s.cfg.Cache, k)
	if err != nil || !found {
		return nil, err
	}
	return s.holder(data)
}

func (s *Store[K, V]) ContainsKey(ctx context.Context, key K) (bool, error) {
	k, err := s.encodeKey(key)
	if err != nil {
		return false, err
	}
	_, client, err := s.router.Active(ctx)
	if err != nil {
		return false, err
	}
	_, found, err := client.Get(ctx, s.cfg.Cache, k)
	return found, err
}

func (s *Store[K, V]) mutation(key K, value V, typ model.OperationType) (*model.Operation, error) {
	k, err := s.encodeKey(key)
	if err != nil {
		return nil, err
	}
	data, err := s.cfg.ValueSerializer.Serialize(value)
	if err != nil {
		return nil, cerrors.StoreAccess("failed to serialize value", err)
	}
	return &model.Operation{Type: typ, Key: k, Value: data}, nil
}

func (s *Store[K, V]) Put(ctx context.Context, key K, value V) error {
	op, err := s.mutation(key, value, model.OperationTypePut)
	if err != nil {
		return err
	}
	_, err = s.execute(ctx, op)
	return err
}

func (s *Store[K, V]) PutIfAbsent(ctx context.Context, key K, value V) (*store.ValueHolder[V], error) {
	op, err := s.mutation(key, value, model.OperationTypePut)
	if err != nil {
		return nil, err
	}
	op.IfAbsent = true
	res, err := s.execute(ctx, op)
	if err != nil || res.Applied {
		return nil, err
	}
	return s.holder(res.Previous)
}

func (s *Store[K, V]) Replace(ctx context.Context, key K, value V) (*store.ValueHolder[V], error) {
	op, err := s.mutation(key, value, model.OperationTypePut)
	if err != nil {
		return nil, err
	}
	op.IfExists = true
	res, err := s.execute(ctx, op)
	if err != nil || !res.Applied {
		return nil, err
	}
	if res.Replayed && res.Previous == nil {
		// the outcome was replicated without the replaced value
		s.logger.Debug("Replayed replace has no previous value", zap.String("token", op.Token))
		return nil, nil
	}
	return s.holder(res.Previous)
}

func (s *Store[K, V]) Remove(ctx context.Context, key K) error {
	k, err := s.encodeKey(key)
	if err != nil {
		return err
	}
	_, err = s.execute(ctx, &model.Operation{Type: model.OperationTypeRemove, Key: k})
	return err
}

func (s *Store[K, V]) Clear(ctx context.Context) error {
	_, err := s.execute(ctx, &model.Operation{Type: model.OperationTypeClear})
	return err
}
