// Package imei provides the canonical IMEI normalization and sharding
// primitives shared by every pipeline component. The database carries
// equivalent implementations (normalize_imei, calc_virt_imei_shard); the two
// sides must never diverge, since shard assignments are baked into the
// physical table layout.
package imei

import (
	"hash/fnv"
	"strings"
)

// NumShards is the size of the virtual shard space. Physical partitions each
// cover a contiguous range of virtual shards.
const NumShards = 100

// Normalize returns the canonical form of an IMEI: the first 14 characters
// when they are all ASCII digits, otherwise the uppercased input. Idempotent.
func Normalize(imei string) string {
	if len(imei) >= 14 && allDigits(imei[:14]) {
		return imei[:14]
	}
	return strings.ToUpper(imei)
}

// TAC returns the type allocation code of a normalized IMEI, its first eight
// characters. Shorter inputs are returned unchanged.
func TAC(imeiNorm string) string {
	if len(imeiNorm) < 8 {
		return imeiNorm
	}
	return imeiNorm[:8]
}

// VirtShard maps a normalized IMEI to its virtual shard in [0, NumShards)
// using a 32-bit FNV-1a hash of its UTF-8 bytes. Stable forever; changing it
// would strand every sharded row in the wrong partition.
func VirtShard(imeiNorm string) int {
	h := fnv.New32a()
	h.Write([]byte(imeiNorm))
	return int(h.Sum32() % NumShards)
}

func allDigits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
