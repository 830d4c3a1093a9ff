// Package registry lets clients find brokers by name instead of by socket path.
package registry

import "context"

// BrokerInstance describes one running broker.
type BrokerInstance struct {
	Addr    string // Socket path the broker listens on
	Weight  int    // Weight for load balancing
	Version string
}

type Registry interface {
	Register(ctx context.Context, name string, instance BrokerInstance, ttl int64) error
	Deregister(ctx context.Context, name string, addr string) error
	Discover(ctx context.Context, name string) ([]BrokerInstance, error)
	Watch(ctx context.Context, name string) <-chan []BrokerInstance
}
