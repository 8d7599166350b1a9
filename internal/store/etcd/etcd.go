// Package etcd persists registry namespaces in an etcd cluster. Every
// namespace is a key prefix under /c19x/v1/.
package etcd

import (
	"context"
	"fmt"
	"strings"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"

	"c19x.org/internal/store"
)

const keyPrefix = "/c19x/v1"

func prefix(namespace string) string {
	return fmt.Sprintf("%s/%s/", keyPrefix, namespace)
}

func key(namespace, k string) string {
	return prefix(namespace) + k
}

// Store is an etcd-backed store.Store. Writes are linearisable, so several
// server replicas may share one registry.
type Store struct {
	client *clientv3.Client
}

var _ store.Store = (*Store)(nil)

// Open dials the cluster at endpoints. The caller must Close the store.
func Open(endpoints []string) (*Store, error) {
	client, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: 5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("etcd dial: %w", err)
	}
	return &Store{client: client}, nil
}

func (s *Store) Namespace(name string) store.Namespace {
	return &namespace{client: s.client, name: name}
}

// Ping reads the cluster status of the first endpoint.
func (s *Store) Ping(ctx context.Context) error {
	eps := s.client.Endpoints()
	if len(eps) == 0 {
		return fmt.Errorf("etcd: no endpoints")
	}
	if _, err := s.client.Status(ctx, eps[0]); err != nil {
		return fmt.Errorf("etcd status: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	return s.client.Close()
}

type namespace struct {
	client *clientv3.Client
	name   string
}

func (n *namespace) Get(ctx context.Context, k string) (string, bool, error) {
	resp, err := n.client.Get(ctx, key(n.name, k))
	if err != nil {
		return "", false, fmt.Errorf("etcd get %q: %w", k, err)
	}
	if len(resp.Kvs) == 0 {
		return "", false, nil
	}
	return string(resp.Kvs[0].Value), true, nil
}

func (n *namespace) Put(ctx context.Context, k, value string) error {
	if _, err := n.client.Put(ctx, key(n.name, k), value); err != nil {
		return fmt.Errorf("etcd put %q: %w", k, err)
	}
	return nil
}

func (n *namespace) Remove(ctx context.Context, k string) error {
	if _, err := n.client.Delete(ctx, key(n.name, k)); err != nil {
		return fmt.Errorf("etcd delete %q: %w", k, err)
	}
	return nil
}

func (n *namespace) Keys(ctx context.Context) ([]string, error) {
	pfx := prefix(n.name)
	resp, err := n.client.Get(ctx, pfx, clientv3.WithPrefix(), clientv3.WithKeysOnly())
	if err != nil {
		return nil, fmt.Errorf("etcd list %q: %w", pfx, err)
	}
	out := make([]string, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		out = append(out, strings.TrimPrefix(string(kv.Key), pfx))
	}
	return out, nil
}

func (n *namespace) Entries(ctx context.Context) (map[string]string, error) {
	pfx := prefix(n.name)
	resp, err := n.client.Get(ctx, pfx, clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("etcd list %q: %w", pfx, err)
	}
	out := make(map[string]string, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		out[strings.TrimPrefix(string(kv.Key), pfx)] = string(kv.Value)
	}
	return out, nil
}
