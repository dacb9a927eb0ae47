package gate

import (
	"sort"
	"time"
)

// SlotInfo is a point-in-time view of one slot, for diagnostics.
type SlotInfo struct {
	Slot string

	// Active means an admitted invocation is live: waiting out its period,
	// parked behind an earlier handler, or executing.
	Active    bool
	Executing bool

	// LastFired is zero until the slot first fires.
	LastFired time.Time
}

// Snapshot lists every slot the registry has ever seen, sorted by name.
func (r *Registry) Snapshot() []SlotInfo {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]SlotInfo, 0, len(r.slots))
	for name, sl := range r.slots {
		out = append(out, SlotInfo{
			Slot:      name,
			Active:    sl.token.Err() == nil,
			Executing: sl.executing != nil,
			LastFired: sl.lastFired,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Slot < out[j].Slot })
	return out
}
