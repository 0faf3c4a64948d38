package randpatypes

import (
	"sort"

	"github.com/tendermint/tendermint/crypto/merkle"
)

// BPKeySet is the set of public keys expected to vote on a block, i.e. the
// active block-producer schedule at the round containing that block.
//
// NOTE: not goroutine-safe, same convention as tendermint's ValidatorSet;
// callers own synchronization.
type BPKeySet struct {
	keys map[PubKey]struct{}
}

func NewBPKeySet(keys []PubKey) *BPKeySet {
	s := &BPKeySet{keys: make(map[PubKey]struct{}, len(keys))}
	for _, k := range keys {
		s.keys[k] = struct{}{}
	}
	return s
}

func (s *BPKeySet) Has(key PubKey) bool {
	if s == nil {
		return false
	}
	_, ok := s.keys[key]
	return ok
}

func (s *BPKeySet) Size() int {
	if s == nil {
		return 0
	}
	return len(s.keys)
}

// Keys returns the set members in deterministic order.
func (s *BPKeySet) Keys() []PubKey {
	if s == nil {
		return nil
	}
	out := make([]PubKey, 0, len(s.keys))
	for k := range s.keys {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Less(out[j]) })
	return out
}

// Hash returns the merkle root over the key set, continuing
// ValidatorSet.Hash()'s convention of hashing a sorted leaf list.
func (s *BPKeySet) Hash() []byte {
	keys := s.Keys()
	bzs := make([][]byte, len(keys))
	for i, k := range keys {
		kk := k
		bzs[i] = kk[:]
	}
	return merkle.HashFromByteSlices(bzs)
}

// IntersectProviders returns the subset of providers whose public key is a
// member of the set, preserving providers' relative order. This backs the
// engine's "only sign with providers active at this block" rule.
func (s *BPKeySet) IntersectProviders(providers []SignatureProvider) []SignatureProvider {
	if s == nil {
		return nil
	}
	out := make([]SignatureProvider, 0, len(providers))
	for _, p := range providers {
		if s.Has(p.PublicKey()) {
			out = append(out, p)
		}
	}
	return out
}
