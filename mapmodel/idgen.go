package mapmodel

import "sync/atomic"

// idGenerator allocates the stable, globally-unique ids every KeyFrame,
// Landmark and Map carries. Ids are global (not per-Map) even though
// entities live in per-Map arenas, matching the "stable global id"
// KeyFrame attribute.
type idGenerator struct {
	next uint64
}

// Next returns the next id, starting at 1 so 0 can mean "no reference".
func (g *idGenerator) Next() uint64 {
	return atomic.AddUint64(&g.next, 1)
}
