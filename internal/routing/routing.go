// Package routing computes the optional downstream sharding hint
// attached to a generate response (spec §6): a pure function of one
// issued ID and caller-supplied shard counts, with no dependency on
// store, buffer, or issuance state.
package routing

import "fmt"

// Hint is the sharding hint for one ID.
type Hint struct {
	DBIndex        int64
	TableIndex     *int64
	ShardDBCount   int64
	ShardTableCount *int64
	RoutingKey     int64
}

// Compute derives a Hint for id given shardDBCount (required, > 0) and
// an optional shardTableCount (<= 0 means "not requested"). Per spec
// §6: db_index = id mod shard_db_count, table_index = (id div
// shard_db_count) mod shard_table_count, routing_key = id.
func Compute(id int64, shardDBCount, shardTableCount int64) (Hint, error) {
	if shardDBCount <= 0 {
		return Hint{}, fmt.Errorf("routing: shard_db_count must be > 0, got %d", shardDBCount)
	}

	h := Hint{
		DBIndex:      mod(id, shardDBCount),
		ShardDBCount: shardDBCount,
		RoutingKey:   id,
	}

	if shardTableCount > 0 {
		tableIndex := mod(id/shardDBCount, shardTableCount)
		h.TableIndex = &tableIndex
		h.ShardTableCount = &shardTableCount
	}

	return h, nil
}

// mod returns the non-negative remainder, matching spec's "mod" for
// the always-positive IDs this system issues.
func mod(a, b int64) int64 {
	r := a % b
	if r < 0 {
		r += b
	}
	return r
}
