package checkpoint

import (
	"github.com/zyedidia/generic"
	"github.com/zyedidia/generic/btree"

	"github.com/codetrek/replix/internal/storage"
)

// SequenceSet is an ordered set of sequence numbers. The pusher uses it to
// track which revisions have been read from storage but not yet confirmed
// pushed; the checkpoint derives its progress marker from the set's minimum.
type SequenceSet struct {
	seqs *btree.Tree[storage.Sequence, struct{}]
	size int
	max  storage.Sequence
}

func NewSequenceSet() *SequenceSet {
	s := &SequenceSet{}
	s.Clear(0)
	return s
}

// Clear empties the set. max sets the initial value of MaxEver.
func (s *SequenceSet) Clear(max storage.Sequence) {
	s.seqs = btree.New[storage.Sequence, struct{}](generic.Less[storage.Sequence])
	s.size = 0
	s.max = max
}

func (s *SequenceSet) Empty() bool { return s.size == 0 }
func (s *SequenceSet) Size() int   { return s.size }

// First returns the lowest sequence in the set, or 0 if it is empty.
func (s *SequenceSet) First() storage.Sequence {
	var first storage.Sequence
	found := false
	s.seqs.Each(func(seq storage.Sequence, _ struct{}) {
		if !found {
			first = seq
			found = true
		}
	})
	return first
}

// Last returns the highest sequence in the set, or 0 if it is empty.
func (s *SequenceSet) Last() storage.Sequence {
	var last storage.Sequence
	s.seqs.Each(func(seq storage.Sequence, _ struct{}) {
		last = seq
	})
	return last
}

// MaxEver is the largest sequence ever added or seen. Clear resets it.
func (s *SequenceSet) MaxEver() storage.Sequence { return s.max }

// LastComplete is the largest sequence with no pending sequences at or below
// it: the minimum element minus one, or MaxEver when nothing is pending.
func (s *SequenceSet) LastComplete() storage.Sequence {
	if s.Empty() {
		return s.max
	}
	return s.First() - 1
}

func (s *SequenceSet) Contains(seq storage.Sequence) bool {
	_, ok := s.seqs.Get(seq)
	return ok
}

func (s *SequenceSet) Add(seq storage.Sequence) {
	if !s.Contains(seq) {
		s.seqs.Put(seq, struct{}{})
		s.size++
	}
	if seq > s.max {
		s.max = seq
	}
}

// AddRange adds every sequence in [first, last].
func (s *SequenceSet) AddRange(first, last storage.Sequence) {
	for seq := first; seq <= last; seq++ {
		s.Add(seq)
	}
}

func (s *SequenceSet) Remove(seq storage.Sequence) {
	if s.Contains(seq) {
		s.seqs.Remove(seq)
		s.size--
	}
}

// Seen marks a sequence as scanned but not pending; equivalent to Add
// followed by Remove.
func (s *SequenceSet) Seen(seq storage.Sequence) {
	if seq > s.max {
		s.max = seq
	}
}

// Ranges invokes fn for each contiguous run of sequences in the set, passing
// the first and last sequence of the run.
func (s *SequenceSet) Ranges(fn func(first, last storage.Sequence)) {
	var first, prev storage.Sequence
	inRun := false
	s.seqs.Each(func(seq storage.Sequence, _ struct{}) {
		if inRun && seq == prev+1 {
			prev = seq
			return
		}
		if inRun {
			fn(first, prev)
		}
		first, prev, inRun = seq, seq, true
	})
	if inRun {
		fn(first, prev)
	}
}
