package loadbalance

import (
	"errors"
	"sync/atomic"

	"github.com/igxactly-forks/swiboe/registry"
)

var ErrNoInstances = errors.New("no broker instances available")

// RoundRobinBalancer cycles through the instances with a lock-free counter.
type RoundRobinBalancer struct {
	counter atomic.Uint64
}

func (b *RoundRobinBalancer) Pick(instances []registry.BrokerInstance) (*registry.BrokerInstance, error) {
	if len(instances) == 0 {
		return nil, ErrNoInstances
	}
	index := (b.counter.Add(1) - 1) % uint64(len(instances))
	return &instances[index], nil
}

func (b *RoundRobinBalancer) Name() string {
	return "RoundRobin"
}
