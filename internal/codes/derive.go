// Package codes derives the day codes, beacon code seeds and beacon codes of
// a device from its shared secret.
//
// Every chain is filled backwards: the last index holds the least hashed
// value and index 0 the most hashed one. Clients derive the same chain, so
// the direction must never change.
package codes

import (
	"crypto/sha256"
	"encoding/binary"
)

// BeaconCodesPerDay is the number of beacon codes derived from one seed,
// ten per hour.
const BeaconCodesPerDay = 24 * 10

// DayCodes derives n day codes from secret.
func DayCodes(secret []byte, n int) []int64 {
	h := sha256.Sum256(secret)
	return fill(h, n)
}

// BeaconCodeSeed maps a day code to the seed of that day's beacon codes.
func BeaconCodeSeed(dayCode int64) int64 {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], uint64(dayCode))
	h := sha256.Sum256(b[:])
	return int64(binary.BigEndian.Uint64(h[:8]))
}

// BeaconCodes derives count beacon codes from seed.
func BeaconCodes(seed int64, count int) []int64 {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(seed))
	return fill(sha256.Sum256(b[:]), count)
}

// Seeds returns the beacon code seed of every day code, in order.
func Seeds(dayCodes []int64) []int64 {
	out := make([]int64, len(dayCodes))
	for i, dc := range dayCodes {
		out[i] = BeaconCodeSeed(dc)
	}
	return out
}

// Slice copies codes[from:to]. Bounds are clamped to the slice.
func Slice(codes []int64, from, to int) []int64 {
	if from < 0 {
		from = 0
	}
	if to > len(codes) {
		to = len(codes)
	}
	if from >= to {
		return []int64{}
	}
	out := make([]int64, to-from)
	copy(out, codes[from:to])
	return out
}

func fill(h [sha256.Size]byte, n int) []int64 {
	if n <= 0 {
		return []int64{}
	}
	out := make([]int64, n)
	for i := n - 1; i >= 0; i-- {
		out[i] = int64(binary.BigEndian.Uint64(h[:8]))
		h = sha256.Sum256(h[:])
	}
	return out
}
