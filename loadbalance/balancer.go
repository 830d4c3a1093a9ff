// Package loadbalance picks one broker among the instances a registry
// returned for a name.
//
//   - RoundRobin:     brokers of equal capacity
//   - WeightedRandom: brokers on heterogeneous hosts
package loadbalance

import "github.com/igxactly-forks/swiboe/registry"

// Balancer is the interface for selection strategies.
type Balancer interface {
	// Pick selects one instance from the available list. Must be goroutine-safe.
	Pick(instances []registry.BrokerInstance) (*registry.BrokerInstance, error)

	// Name returns the strategy name (for logging).
	Name() string
}

// ByName returns the balancer configured by name; "" means round robin.
func ByName(name string) (Balancer, bool) {
	switch name {
	case "", "round_robin":
		return &RoundRobinBalancer{}, true
	case "weighted_random":
		return &WeightedRandomBalancer{}, true
	default:
		return nil, false
	}
}
