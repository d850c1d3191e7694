// Package routing ranks peers by XOR distance to a key.
package routing

import (
	"bytes"
	"math/bits"
	"slices"
)

const KeySize = 32

type Key = [KeySize]byte

type Node[T any] struct {
	ID    Key
	Value T
}

func Distance(a, b Key) Key {
	var out Key
	for i := range out {
		out[i] = a[i] ^ b[i]
	}
	return out
}

// Bucket is the bit length of a XOR b: 0 for equal keys, 256 when the top bit differs.
func Bucket(a, b Key) int {
	for i := 0; i < KeySize; i++ {
		x := a[i] ^ b[i]
		if x != 0 {
			return (KeySize-i)*8 - bits.LeadingZeros8(x)
		}
	}
	return 0
}

// SelectNearest returns up to k nodes ordered by ascending distance to
// target. A node carrying the local id is never returned. Distances are
// unique per id, so only duplicate ids tie; those keep input order.
func SelectNearest[T any](local, target Key, nodes []Node[T], k int) []Node[T] {
	if k <= 0 || len(nodes) == 0 {
		return nil
	}
	type ranked struct {
		dist Key
		node Node[T]
	}
	list := make([]ranked, 0, len(nodes))
	for _, n := range nodes {
		if n.ID == local {
			continue
		}
		list = append(list, ranked{dist: Distance(target, n.ID), node: n})
	}
	slices.SortStableFunc(list, func(a, b ranked) int {
		return bytes.Compare(a.dist[:], b.dist[:])
	})
	if len(list) > k {
		list = list[:k]
	}
	out := make([]Node[T], len(list))
	for i, r := range list {
		out[i] = r.node
	}
	return out
}
