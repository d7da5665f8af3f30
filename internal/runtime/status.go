package runtime

import (
	"sync"

	"github.com/atlas-desktop/trade-executor/pkg/types"
)

// statusCell is the one piece of runtime state read from outside the Run
// goroutine, so it gets its own lock.
type statusCell struct {
	mu sync.RWMutex
	v  types.RuntimeStatus
}

func newStatusCell(v types.RuntimeStatus) *statusCell {
	return &statusCell{v: v}
}

func (c *statusCell) get() types.RuntimeStatus {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.v
}

func (c *statusCell) set(v types.RuntimeStatus) {
	c.mu.Lock()
	c.v = v
	c.mu.Unlock()
}
