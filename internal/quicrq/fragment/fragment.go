// Package fragment defines the identity and value type carried by one
// received or produced byte range of media (C1 in the design).
package fragment

import "time"

// SkipFlag marks a placeholder fragment: a zero-length body standing in for
// an object the congestion evaluator decided to drop.
const SkipFlag uint8 = 0xFF

// ID is the lexicographic identity of a fragment: (group, object, offset).
// group_id and object_id are monotone non-decreasing within a source; a new
// group resets object_id to 0. offset partitions one object into byte
// ranges.
type ID struct {
	Group  uint64
	Object uint64
	Offset uint64
}

// Less reports whether id sorts strictly before other in (group, object,
// offset) lexicographic order.
func (id ID) Less(other ID) bool {
	if id.Group != other.Group {
		return id.Group < other.Group
	}
	if id.Object != other.Object {
		return id.Object < other.Object
	}
	return id.Offset < other.Offset
}

// Equal reports whether id and other identify the same triple.
func (id ID) Equal(other ID) bool {
	return id.Group == other.Group && id.Object == other.Object && id.Offset == other.Offset
}

// End returns the identity one byte past the last byte of a fragment of
// length n starting at id.
func (id ID) End(n uint64) ID {
	return ID{Group: id.Group, Object: id.Object, Offset: id.Offset + n}
}

// Fragment is one received or produced byte range of one object.
type Fragment struct {
	ID

	// ObjectLength is the full length of the containing object, repeated on
	// every fragment of that object.
	ObjectLength uint64

	// Data is the payload bytes of this fragment. DataLength mirrors
	// len(Data) and is kept explicit to match the wire encoding, which
	// carries the length before the bytes.
	DataLength uint64
	Data       []byte

	// Flags is an 8-bit priority; SkipFlag (0xFF) is reserved to mean
	// "skipped placeholder".
	Flags uint8

	// QueueDelay is accumulated relay queueing time, in microseconds.
	QueueDelay uint64

	// NbObjectsPreviousGroup is populated only on the first fragment of the
	// first object of a group. It lets the cache and reassembly engine
	// detect group boundaries without a separate fin marker: the value is
	// the number of objects the previous group contained.
	NbObjectsPreviousGroup uint64

	// CacheTime is the arrival timestamp, used by the congestion evaluator
	// to detect queueing backlog.
	CacheTime time.Time
}

// IsLastFragment reports whether this fragment's end offset reaches the end
// of its containing object.
func (f *Fragment) IsLastFragment() bool {
	return f.Offset+f.DataLength >= f.ObjectLength
}

// IsPlaceholder reports whether this fragment is a skip placeholder.
func (f *Fragment) IsPlaceholder() bool {
	return f.Flags == SkipFlag
}

// Clone returns a deep copy of f, used when a fragment must be split or
// retained independently of the buffer it arrived in.
func (f *Fragment) Clone() *Fragment {
	cp := *f
	if f.Data != nil {
		cp.Data = make([]byte, len(f.Data))
		copy(cp.Data, f.Data)
	}
	return &cp
}
