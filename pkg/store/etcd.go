package store

import (
	"context"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
)

// EtcdClient is the reference store.Client implementation, backed by a
// real etcd cluster via clientv3.
type EtcdClient struct {
	cli *clientv3.Client
}

// EtcdConfig configures an EtcdClient.
type EtcdConfig struct {
	Endpoints   []string
	DialTimeout time.Duration
}

// NewEtcdClient dials the given endpoints and returns a ready Client.
func NewEtcdClient(cfg EtcdConfig) (*EtcdClient, error) {
	dialTimeout := cfg.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = 5 * time.Second
	}

	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: dialTimeout,
	})
	if err != nil {
		return nil, err
	}
	return &EtcdClient{cli: cli}, nil
}

// Close releases the underlying etcd connection.
func (e *EtcdClient) Close() error {
	return e.cli.Close()
}

// Get implements Client.
func (e *EtcdClient) Get(ctx context.Context, key string) (KV, error) {
	resp, err := e.cli.Get(ctx, key)
	if err != nil {
		return KV{}, err
	}
	if len(resp.Kvs) == 0 {
		return KV{}, ErrNotFound
	}
	kv := resp.Kvs[0]
	return KV{Key: string(kv.Key), Value: string(kv.Value), Revision: kv.ModRevision}, nil
}

// Range implements Client.
func (e *EtcdClient) Range(ctx context.Context, prefix string) ([]KV, error) {
	resp, err := e.cli.Get(ctx, prefix, clientv3.WithPrefix())
	if err != nil {
		return nil, err
	}

	out := make([]KV, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		out = append(out, KV{Key: string(kv.Key), Value: string(kv.Value), Revision: kv.ModRevision})
	}
	return out, nil
}

// Put implements Client.
func (e *EtcdClient) Put(ctx context.Context, key, value string, lease LeaseID) error {
	opts := []clientv3.OpOption{}
	if lease != NoLease {
		opts = append(opts, clientv3.WithLease(clientv3.LeaseID(lease)))
	}
	_, err := e.cli.Put(ctx, key, value, opts...)
	return err
}

// Delete implements Client. Deleting an absent key is not an error in
// etcd's own semantics, so no special-casing is needed here.
func (e *EtcdClient) Delete(ctx context.Context, key string) error {
	_, err := e.cli.Delete(ctx, key)
	return err
}

// GrantLease implements Client.
func (e *EtcdClient) GrantLease(ctx context.Context, ttl time.Duration) (LeaseID, error) {
	resp, err := e.cli.Grant(ctx, int64(ttl.Seconds()))
	if err != nil {
		return NoLease, err
	}
	return LeaseID(resp.ID), nil
}
