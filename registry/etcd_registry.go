package registry

import (
	"context"
	"encoding/json"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
)

// KeyPrefix is the root of all broker keys: /swiboe/{name}/{addr}.
const KeyPrefix = "/swiboe/"

// EtcdRegistry implements Registry using etcd v3. Entries carry a TTL lease
// that is kept alive while the broker runs, so a crashed broker disappears
// on its own.
type EtcdRegistry struct {
	client *clientv3.Client
	logger *zap.Logger
}

// NewEtcdRegistry creates a new registry connected to the given etcd endpoints.
func NewEtcdRegistry(endpoints []string, logger *zap.Logger) (*EtcdRegistry, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	c, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: 5 * time.Second,
		Logger:      logger.Named("etcd"),
	})
	if err != nil {
		return nil, err
	}
	return &EtcdRegistry{client: c, logger: logger}, nil
}

func key(name, addr string) string {
	return KeyPrefix + name + "/" + addr
}

func prefix(name string) string {
	return KeyPrefix + name + "/"
}

// Register stores the instance under a lease of ttl seconds and keeps the
// lease alive until ctx is cancelled or the instance is deregistered.
// The lease ID stays local so that several brokers can share one registry.
func (r *EtcdRegistry) Register(ctx context.Context, name string, instance BrokerInstance, ttl int64) error {
	lease, err := r.client.Grant(ctx, ttl)
	if err != nil {
		return err
	}

	val, err := json.Marshal(instance)
	if err != nil {
		return err
	}

	_, err = r.client.Put(ctx, key(name, instance.Addr), string(val), clientv3.WithLease(lease.ID))
	if err != nil {
		return err
	}

	ch, err := r.client.KeepAlive(ctx, lease.ID)
	if err != nil {
		return err
	}

	go func() {
		for range ch {
		}
		r.logger.Debug("Lease keepalive stopped", zap.String("name", name), zap.String("addr", instance.Addr))
	}()
	return nil
}

func (r *EtcdRegistry) Deregister(ctx context.Context, name string, addr string) error {
	_, err := r.client.Delete(ctx, key(name, addr))
	return err
}

// Watch emits the full instance list whenever anything under the name changes.
// The channel is closed when ctx is done.
func (r *EtcdRegistry) Watch(ctx context.Context, name string) <-chan []BrokerInstance {
	ch := make(chan []BrokerInstance, 1)

	go func() {
		defer close(ch)
		watchChan := r.client.Watch(ctx, prefix(name), clientv3.WithPrefix())
		for range watchChan {
			instances, err := r.Discover(ctx, name)
			if err != nil {
				r.logger.Warn("Failed to refresh brokers after watch event", zap.String("name", name), zap.Error(err))
				continue
			}
			select {
			case ch <- instances:
			case <-ctx.Done():
				return
			}
		}
	}()

	return ch
}

func (r *EtcdRegistry) Discover(ctx context.Context, name string) ([]BrokerInstance, error) {
	resp, err := r.client.Get(ctx, prefix(name), clientv3.WithPrefix())
	if err != nil {
		return nil, err
	}

	instances := make([]BrokerInstance, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var instance BrokerInstance
		if err := json.Unmarshal(kv.Value, &instance); err != nil {
			r.logger.Warn("Skipping malformed broker entry", zap.ByteString("key", kv.Key), zap.Error(err))
			continue
		}
		instances = append(instances, instance)
	}

	return instances, nil
}

// Close releases the etcd connection.
func (r *EtcdRegistry) Close() error {
	return r.client.Close()
}
