// Package config collects the build-time constants that size the core:
// shard/region fan-out, skip-list height, and MemTable capacity. These
// mirror listdb/common.h's #define/constexpr block: tunables the core
// is compiled against, not environment variables (no CLI or env var is
// part of the core).
package config

const (
	// NumRegions is the number of NUMA regions the core is braided across.
	NumRegions = 2

	// NumShards is the number of key-space partitions.
	NumShards = 128

	// MaxHeight bounds a skip-list node's outgoing link count.
	MaxHeight = 15

	// MaxMemTables bounds how many MemTables may exist per shard at once
	// (Active + Immutable + Flushing, combined).
	MaxMemTables = 8

	// MemTableCapacity is the bytes_used threshold that seals a MemTable.
	MemTableCapacity = (1 << 30) / MaxMemTables

	// Branching is the skip-list's geometric-distribution branching factor B.
	Branching = 2

	// LevelCheckPeriodFactor controls how often an L0 lookup samples a
	// node's promoted-level tag for the early-skip fast path. 1 means
	// every node is sampled; this is a tuning knob, not a correctness
	// requirement (both choices are correct per spec Open Questions).
	LevelCheckPeriodFactor = 1

	// BatchLogSize is the number of buffered Put records a Client may
	// accumulate before flushing a single contiguous log extent.
	BatchLogSize = 8

	// FixedKeyLen is the compile-time width of a PmNode/MemNode key field,
	// in bytes. Both Int64Key and BytesKey encode into this width.
	FixedKeyLen = 16
)
