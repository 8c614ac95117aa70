// Package shm maps client-supplied shared memory safely.
//
// A Region wraps a shareable descriptor together with the size the client
// claims it has. Ranges are validated against that claim once, when they are
// created, and Mappings materialize them lazily:
//
//	region, err := shm.FromHandle(fd, claimed)
//	// ...
//	rng, err := region.GetRange(offset, length)
//	// ...
//	m, err := rng.MapRO()
//	// ...
//	v := m.At(0)
//	if rng.AccessFault() {
//		// the client lied about the size or shrank the file
//	}
//
// The claimed size is never trusted as a guarantee. Every Mapping reserves
// its full length as zero-filled memory and overlays only the part of the
// file that really exists, so reads past the real end return zero and raise
// the sticky access fault flag instead of crashing the server.
//
// Mappings belong to the shared descriptor. A Mapping stays valid after its
// Range or its Region is released and is unmapped once both, and every other
// Range and Region on the descriptor, are released. Touching it after that is
// a server bug and faults the process.
//
// Platform-specific helpers are in internal/shm.
package shm
