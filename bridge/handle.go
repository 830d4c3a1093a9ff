package bridge

import (
	"sync"
	"sync/atomic"

	"github.com/igxactly-forks/swiboe/client"
)

// Handle is the opaque token foreign code holds for a connected client. Zero
// is never a valid handle and values are never reused.
type Handle uintptr

type handleTable struct {
	last    atomic.Uintptr
	clients sync.Map // map[Handle]*client.Client
}

func (t *handleTable) insert(c *client.Client) Handle {
	h := Handle(t.last.Add(1))
	t.clients.Store(h, c)
	return h
}

func (t *handleTable) get(h Handle) (*client.Client, bool) {
	c, ok := t.clients.Load(h)
	if !ok {
		return nil, false
	}
	return c.(*client.Client), true
}

// release removes h, so only one caller ever gets its client back.
func (t *handleTable) release(h Handle) (*client.Client, bool) {
	c, ok := t.clients.LoadAndDelete(h)
	if !ok {
		return nil, false
	}
	return c.(*client.Client), true
}

func (t *handleTable) each(fn func(Handle, *client.Client)) {
	t.clients.Range(func(k, v any) bool {
		fn(k.(Handle), v.(*client.Client))
		return true
	})
}
