// Package hashring implements the consistent-hash distribution over backend
// servers: the ketama/modula/random policies, the hash function menu, and
// hash-tag extraction.
package hashring

import (
	"crypto/md5"
	"hash/crc32"
	"hash/fnv"

	"github.com/cespare/xxhash/v2"
	"github.com/zeebo/xxh3"
)

// HashFunc names the key-hashing algorithm a pool is configured with.
type HashFunc string

const (
	HashMD5     HashFunc = "md5" // ketama's canonical hash; default
	HashFNV1A64 HashFunc = "fnv1a_64"
	HashCRC32   HashFunc = "crc32"
	HashXXHash  HashFunc = "xxhash"
	HashXXH3    HashFunc = "xxh3"

	// Jenkins and Hsieh have no maintained third-party Go implementation;
	// rather than hand-rolling one, they alias to xxh3 so a config that
	// names them still gets a real, well-distributed hash instead of a
	// silent fallback to the default.
	HashJenkins HashFunc = "jenkins"
	HashHsieh   HashFunc = "hsieh"
)

// hashKey returns a 32-bit hash of key under the named function. ketama
// itself wants the first 4 bytes of an md5 digest, little-endian; every
// other function already returns a machine word and is truncated to 32 bits
// for ring-position arithmetic regardless of which hash feeds it.
func hashKey(fn HashFunc, key []byte) uint32 {
	switch fn {
	case HashFNV1A64:
		h := fnv.New64a()
		h.Write(key)
		return uint32(h.Sum64())
	case HashCRC32:
		return crc32.ChecksumIEEE(key)
	case HashXXHash:
		return uint32(xxhash.Sum64(key))
	case HashXXH3, HashJenkins, HashHsieh:
		return uint32(xxh3.Hash(key))
	case HashMD5:
		fallthrough
	default:
		return md5Hash32(key)
	}
}

func md5Hash32(key []byte) uint32 {
	sum := md5.Sum(key)
	return uint32(sum[0]) | uint32(sum[1])<<8 | uint32(sum[2])<<16 | uint32(sum[3])<<24
}

// ketamaDigest returns all four little-endian 32-bit words of key's md5
// digest, which ketama uses to place four continuum points per (backend,
// replica) pair instead of hashing four times.
func ketamaDigest(key []byte) [4]uint32 {
	sum := md5.Sum(key)
	var out [4]uint32
	for i := 0; i < 4; i++ {
		off := i * 4
		out[i] = uint32(sum[off]) | uint32(sum[off+1])<<8 | uint32(sum[off+2])<<16 | uint32(sum[off+3])<<24
	}
	return out
}

// ExtractHashTag returns the bytes between the first pair of open/close
// markers in key, when both appear and the interior is non-empty; otherwise
// it returns key unchanged. tag is a two-character string, e.g. "{}".
func ExtractHashTag(key []byte, tag string) []byte {
	if len(tag) != 2 {
		return key
	}
	open, close := tag[0], tag[1]
	start := -1
	for i, b := range key {
		if b == open {
			start = i
			break
		}
	}
	if start < 0 {
		return key
	}
	end := -1
	for i := start + 1; i < len(key); i++ {
		if key[i] == close {
			end = i
			break
		}
	}
	if end < 0 || end == start+1 {
		return key
	}
	return key[start+1 : end]
}
