package registry

import (
	"context"
	"sync"
)

// MemoryRegistry keeps instances in process. Useful for tests and for a
// broker and its clients living in one binary. TTLs are ignored.
type MemoryRegistry struct {
	mu        sync.Mutex
	instances map[string][]BrokerInstance
	watchers  map[string][]chan []BrokerInstance
}

func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{
		instances: make(map[string][]BrokerInstance),
		watchers:  make(map[string][]chan []BrokerInstance),
	}
}

func (m *MemoryRegistry) Register(_ context.Context, name string, inst BrokerInstance, _ int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	insts := m.instances[name]
	for i := range insts {
		if insts[i].Addr == inst.Addr {
			insts[i] = inst
			m.notifyLocked(name)
			return nil
		}
	}
	m.instances[name] = append(insts, inst)
	m.notifyLocked(name)
	return nil
}

func (m *MemoryRegistry) Deregister(_ context.Context, name string, addr string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	insts := m.instances[name]
	for i, inst := range insts {
		if inst.Addr == addr {
			m.instances[name] = append(insts[:i:i], insts[i+1:]...)
			m.notifyLocked(name)
			break
		}
	}
	return nil
}

func (m *MemoryRegistry) Discover(_ context.Context, name string) ([]BrokerInstance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]BrokerInstance(nil), m.instances[name]...), nil
}

func (m *MemoryRegistry) Watch(ctx context.Context, name string) <-chan []BrokerInstance {
	ch := make(chan []BrokerInstance, 1)
	m.mu.Lock()
	m.watchers[name] = append(m.watchers[name], ch)
	m.mu.Unlock()

	go func() {
		<-ctx.Done()
		m.mu.Lock()
		defer m.mu.Unlock()
		watchers := m.watchers[name]
		for i, w := range watchers {
			if w == ch {
				m.watchers[name] = append(watchers[:i:i], watchers[i+1:]...)
				break
			}
		}
		close(ch)
	}()
	return ch
}

// notifyLocked sends the latest list to every watcher, replacing a stale
// unread list if there is one.
func (m *MemoryRegistry) notifyLocked(name string) {
	snapshot := append([]BrokerInstance(nil), m.instances[name]...)
	for _, ch := range m.watchers[name] {
		select {
		case <-ch:
		default:
		}
		ch <- snapshot
	}
}
