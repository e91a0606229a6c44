package metrics

import (
	"context"
	"time"

	"github.com/gourl/coord/internal/store"
)

// instrumentedStore times every transaction of the wrapped store.
type instrumentedStore struct {
	store.Store
}

// InstrumentStore wraps s so each transaction is recorded in
// StoreOperationDuration and StoreErrorsTotal.
func InstrumentStore(s store.Store) store.Store {
	return &instrumentedStore{Store: s}
}

func (s *instrumentedStore) Admit(ctx context.Context, key string, req store.WindowRequest) (store.WindowReply, error) {
	start := time.Now()
	reply, err := s.Store.Admit(ctx, key, req)
	RecordStoreOperation("admit", time.Since(start), err)
	return reply, err
}

func (s *instrumentedStore) Drop(ctx context.Context, key string) error {
	start := time.Now()
	err := s.Store.Drop(ctx, key)
	RecordStoreOperation("drop", time.Since(start), err)
	return err
}

func (s *instrumentedStore) Claim(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	start := time.Now()
	ok, err := s.Store.Claim(ctx, key, token, ttl)
	RecordStoreOperation("claim", time.Since(start), err)
	return ok, err
}

func (s *instrumentedStore) Release(ctx context.Context, key, token string) (bool, error) {
	start := time.Now()
	ok, err := s.Store.Release(ctx, key, token)
	RecordStoreOperation("release", time.Since(start), err)
	return ok, err
}

func (s *instrumentedStore) Renew(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	start := time.Now()
	ok, err := s.Store.Renew(ctx, key, token, ttl)
	RecordStoreOperation("renew", time.Since(start), err)
	return ok, err
}
