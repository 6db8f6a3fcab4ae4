package polling

import (
	"sort"
	"strings"
	"sync"

	"github.com/suPer8Hu/eventshim/internal/common"
	"github.com/suPer8Hu/eventshim/internal/event"
)

// Registry maps pending event types to their processors so triggers can
// address them by name.
type Registry struct {
	mu         sync.RWMutex
	processors map[event.PendingType]*Processor
}

func NewRegistry() *Registry {
	return &Registry{processors: make(map[event.PendingType]*Processor)}
}

func normalize(t string) event.PendingType {
	return event.PendingType(strings.ToUpper(strings.TrimSpace(t)))
}

func (r *Registry) Register(p *Processor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.processors[p.Type()] = p
}

func (r *Registry) Get(pendingType string) (*Processor, error) {
	r.mu.RLock()
	p, ok := r.processors[normalize(pendingType)]
	r.mu.RUnlock()
	if !ok {
		return nil, common.InvalidParameterf("unknown polling type: %s", pendingType)
	}
	return p, nil
}

// Types lists the registered pending types in name order.
func (r *Registry) Types() []event.PendingType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]event.PendingType, 0, len(r.processors))
	for t := range r.processors {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
