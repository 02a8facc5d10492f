// internal/infra/etcd/bridge_registry.go
package etcd

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"bridge-dispatch/internal/bridgenode"

	clientv3 "go.etcd.io/etcd/client/v3"
)

// BridgeRegistryPrefix is the etcd prefix where bridge nodes announce themselves.
const BridgeRegistryPrefix = "/bridges/nodes/"

// Registry keeps one bridge node announced in etcd under a lease.
type Registry struct {
	client  *clientv3.Client
	logger  *slog.Logger
	leaseID clientv3.LeaseID
	key     string
}

// NewRegistry creates a registry for a bridge node.
func NewRegistry(client *clientv3.Client, logger *slog.Logger) *Registry {
	return &Registry{
		client: client,
		logger: logger.With("component", "bridge-registry"),
	}
}

// Register announces a with a lease of ttl seconds and keeps the lease
// alive until ctx ends or Deregister is called.
func (r *Registry) Register(ctx context.Context, a bridgenode.Announcement, ttl int64) error {
	value, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("failed to encode announcement: %w", err)
	}
	r.key = BridgeRegistryPrefix + a.ID

	leaseResp, err := r.client.Grant(ctx, ttl)
	if err != nil {
		return fmt.Errorf("failed to grant lease: %w", err)
	}
	r.leaseID = leaseResp.ID

	if _, err := r.client.Put(ctx, r.key, string(value), clientv3.WithLease(r.leaseID)); err != nil {
		return fmt.Errorf("failed to put bridge registration key: %w", err)
	}

	keepAliveCh, err := r.client.KeepAlive(ctx, r.leaseID)
	if err != nil {
		return fmt.Errorf("failed to start keep-alive: %w", err)
	}

	go func() {
		for {
			ka, ok := <-keepAliveCh
			if !ok {
				r.logger.Warn("keep-alive channel closed, bridge registration may have expired", "key", r.key)
				return
			}
			r.logger.Debug("lease keep-alive refreshed", "lease_id", ka.ID, "ttl", ka.TTL)
		}
	}()

	r.logger.Info("bridge registered", "key", r.key, "addr", a.Addr)
	return nil
}

// Deregister revokes the lease, which deletes the announcement.
func (r *Registry) Deregister(ctx context.Context) error {
	if r.leaseID == 0 {
		return nil
	}
	r.logger.Info("deregistering bridge", "key", r.key)
	if _, err := r.client.Revoke(ctx, r.leaseID); err != nil {
		return fmt.Errorf("failed to revoke lease: %w", err)
	}
	return nil
}
