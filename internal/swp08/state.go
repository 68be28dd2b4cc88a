package swp08

import "time"

// CacheKey identifies the per-destination cache slot: destination is the
// sink, so the cache maps (matrix, level, destination) -> source.
type CacheKey struct {
	Matrix      byte
	Level       byte
	Destination int
}

// CrosspointState is the cached, observed (or optimistically assumed) state
// of one destination on one level of one matrix.
type CrosspointState struct {
	Address      CrosspointAddress
	Status       Status
	SourceStatus bool // true for TDM-reported sources
	LastUpdate   time.Time
}

// Key returns the cache key this state is stored under.
func (s CrosspointState) Key() CacheKey {
	return CacheKey{Matrix: s.Address.Matrix, Level: s.Address.Level, Destination: s.Address.Destination}
}
