package memory

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// IDGenerator mints component-scoped ids from wall time plus a monotonic
// counter. Each component owns its own instance; there is no package-level
// counter state.
type IDGenerator struct {
	node string
	seq  atomic.Uint64
	now  func() time.Time
}

// NewIDGenerator creates a generator scoped to a node id.
func NewIDGenerator(node string) *IDGenerator {
	return &IDGenerator{node: node, now: time.Now}
}

// NewIDGeneratorAt creates a generator with an injected clock for tests.
func NewIDGeneratorAt(node string, now func() time.Time) *IDGenerator {
	if now == nil {
		now = time.Now
	}
	return &IDGenerator{node: node, now: now}
}

// Next returns a unique id with a kind prefix, e.g. "prop-...".
func (g *IDGenerator) Next(kind string) string {
	n := g.seq.Add(1)
	short := uuid.NewString()[:8]
	return fmt.Sprintf("%s-%s-%d-%d-%s", kind, g.node, g.now().UnixMilli(), n, short)
}
