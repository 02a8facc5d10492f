// internal/infra/etcd/bridge_discovery.go
package etcd

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"time"

	"bridge-dispatch/internal/bridgenode"
	"bridge-dispatch/internal/domain"

	clientv3 "go.etcd.io/etcd/client/v3"
)

// Registrar is the pool side of discovery.
type Registrar interface {
	Register(ctx context.Context, b domain.Bridge) error
	Deregister(id string)
}

var errMissingField = errors.New("announcement needs an id and an addr")

// BridgeFactory turns an announcement into a Bridge.
type BridgeFactory func(a bridgenode.Announcement) domain.Bridge

// Discovery mirrors the bridge nodes announced in etcd into a Registrar.
type Discovery struct {
	client    *clientv3.Client
	registrar Registrar
	factory   BridgeFactory
	logger    *slog.Logger
}

// NewDiscovery creates a discovery service.
func NewDiscovery(client *clientv3.Client, registrar Registrar, factory BridgeFactory, logger *slog.Logger) *Discovery {
	return &Discovery{
		client:    client,
		registrar: registrar,
		factory:   factory,
		logger:    logger.With("component", "bridge-discovery"),
	}
}

// Watch loads the current announcements and then follows changes until ctx
// ends. It blocks and should be run in a goroutine.
func (d *Discovery) Watch(ctx context.Context) {
	d.logger.Info("starting to watch for bridges")

	rev, err := d.loadInitial(ctx)
	if err != nil {
		d.logger.Error("failed to perform initial bridge load", "error", err)
	}

	opts := []clientv3.OpOption{clientv3.WithPrefix()}
	if rev > 0 {
		opts = append(opts, clientv3.WithRev(rev+1))
	}
	for watchResp := range d.client.Watch(ctx, BridgeRegistryPrefix, opts...) {
		for _, event := range watchResp.Events {
			id := strings.TrimPrefix(string(event.Kv.Key), BridgeRegistryPrefix)
			switch event.Type {
			case clientv3.EventTypePut:
				if event.IsModify() {
					// A node restarted under the same id before its old lease expired.
					d.registrar.Deregister(id)
				}
				d.add(ctx, event.Kv.Value)
			case clientv3.EventTypeDelete:
				d.logger.Info("bridge node left", "bridge_id", id)
				d.registrar.Deregister(id)
			}
		}
	}
	d.logger.Info("stopped watching for bridges")
}

func (d *Discovery) loadInitial(ctx context.Context) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	resp, err := d.client.Get(ctx, BridgeRegistryPrefix, clientv3.WithPrefix())
	if err != nil {
		return 0, err
	}
	for _, kv := range resp.Kvs {
		d.add(ctx, kv.Value)
	}
	return resp.Header.Revision, nil
}

func (d *Discovery) add(ctx context.Context, value []byte) {
	a, err := DecodeAnnouncement(value)
	if err != nil {
		d.logger.Warn("ignoring malformed bridge announcement", "error", err)
		return
	}
	d.logger.Info("bridge node discovered", "bridge_id", a.ID, "addr", a.Addr, "year", a.Year)
	if err := d.registrar.Register(context.WithoutCancel(ctx), d.factory(a)); err != nil {
		d.logger.Warn("failed to register discovered bridge", "bridge_id", a.ID, "error", err)
	}
}

// DecodeAnnouncement parses an announcement value stored in etcd.
func DecodeAnnouncement(value []byte) (bridgenode.Announcement, error) {
	var a bridgenode.Announcement
	if err := json.Unmarshal(value, &a); err != nil {
		return a, err
	}
	if a.ID == "" || a.Addr == "" {
		return a, errMissingField
	}
	return a, nil
}

