// Package tuple implements the tuple-definition surface consumed by the rest
// of this module (spec §3.3, §6.3): record_def, key_def and index_def are all
// instances of Def, an ordered list of Elements with a total order over a
// configurable key-column prefix.
//
// A tuple is its wire representation: a []byte of back-to-back encoded
// elements, variable-length elements carrying a uvarint length prefix. Def
// never allocates a richer in-memory struct for a tuple — callers that want
// typed access decode individual elements with At.
package tuple

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// Direction is the sort direction of one key element.
type Direction uint8

const (
	Ascending Direction = iota
	Descending
)

// Kind is the wire encoding of one element.
type Kind uint8

const (
	KindUint8 Kind = iota
	KindUint16
	KindUint32
	KindUint64
	KindFixedBytes // fixed-width, width taken from Element.Width
	KindVarBytes   // uvarint length prefix followed by that many bytes
)

// Element describes one column of a Def.
type Element struct {
	Kind  Kind
	Width int // byte width for KindFixedBytes; ignored otherwise
}

func (e Element) fixedWidth() (int, bool) {
	switch e.Kind {
	case KindUint8:
		return 1, true
	case KindUint16:
		return 2, true
	case KindUint32:
		return 4, true
	case KindUint64:
		return 8, true
	case KindFixedBytes:
		return e.Width, true
	default:
		return 0, false
	}
}

// Def is an immutable tuple definition: record_def, key_def, or index_def are
// all just a Def with a different Elements slice. An index_def is
// conventionally built by appending one KindUint64 trailing element (the
// child PageID) to a key_def's Elements via NewIndexDef.
type Def struct {
	elements []Element
}

// NewDef builds an immutable Def from an ordered element list.
func NewDef(elements ...Element) *Def {
	cp := make([]Element, len(elements))
	copy(cp, elements)
	return &Def{elements: cp}
}

// Prefix returns a new Def over just the first n elements of d, used to
// derive a key_def's pure key columns out of a larger record_def.
func (d *Def) Prefix(n int) *Def {
	return NewDef(d.elements[:n]...)
}

// NewIndexDef builds an interior-entry definition: keyDef's columns followed
// by a trailing 8-byte child page id column (spec §3.3's index_def).
func NewIndexDef(keyDef *Def) *Def {
	elems := make([]Element, len(keyDef.elements)+1)
	copy(elems, keyDef.elements)
	elems[len(elems)-1] = Element{Kind: KindUint64}
	return &Def{elements: elems}
}

// ElementCount returns the number of columns in the definition.
func (d *Def) ElementCount() int { return len(d.elements) }

// IsFixedSize reports whether every element (hence every tuple under this
// def) has a size known without inspecting the data, i.e. no KindVarBytes
// element is present.
func (d *Def) IsFixedSize() bool {
	for _, e := range d.elements {
		if e.Kind == KindVarBytes {
			return false
		}
	}
	return true
}

// FixedSize returns the tuple size when IsFixedSize is true; it panics
// otherwise — callers must check IsFixedSize first, matching the dual
// fixed/variable-size code paths spec §4.4 and §4.5 require.
func (d *Def) FixedSize() uint32 {
	var total uint32
	for _, e := range d.elements {
		w, ok := e.fixedWidth()
		if !ok {
			panic("tuple: FixedSize called on a variable-size Def")
		}
		total += uint32(w)
	}
	return total
}

// Size returns the encoded byte length of tuple under this definition.
func (d *Def) Size(t []byte) uint32 {
	if d.IsFixedSize() {
		return d.FixedSize()
	}
	var off uint32
	for _, e := range d.elements {
		off += elementWireSize(e, t[off:])
	}
	return off
}

func elementWireSize(e Element, tail []byte) uint32 {
	if w, ok := e.fixedWidth(); ok {
		return uint32(w)
	}
	n, sz := binary.Uvarint(tail)
	if sz <= 0 {
		panic("tuple: malformed varint length prefix")
	}
	return uint32(sz) + uint32(n)
}

// offsetOf returns the byte offset and length of element idx's payload
// within t (past the uvarint length prefix for a KindVarBytes element).
func (d *Def) offsetOf(t []byte, idx int) (start, length uint32) {
	var off uint32
	for i, e := range d.elements {
		w := elementWireSize(e, t[off:])
		if i == idx {
			if e.Kind == KindVarBytes {
				_, sz := binary.Uvarint(t[off:])
				return off + uint32(sz), w - uint32(sz)
			}
			return off, w
		}
		off += w
	}
	panic(fmt.Sprintf("tuple: element index %d out of range (%d elements)", idx, len(d.elements)))
}

// At returns the raw encoded bytes of the idx'th element of t (the payload,
// not including a varint length prefix if present).
func (d *Def) At(t []byte, idx int) []byte {
	start, length := d.offsetOf(t, idx)
	return t[start : start+length]
}

// Uint64At decodes the idx'th element as an unsigned integer, regardless of
// its declared width (1/2/4/8 bytes), matching the PageID/child-id use at
// the trailing column of an index_def.
func (d *Def) Uint64At(t []byte, idx int) uint64 {
	b := d.At(t, idx)
	var v uint64
	for _, c := range b {
		v = v<<8 | uint64(c)
	}
	return v
}

// Encode packs values (one []byte per element, already in big-endian wire
// form for fixed-width numeric elements) into a single tuple buffer.
func Encode(d *Def, values [][]byte) []byte {
	if len(values) != len(d.elements) {
		panic("tuple: Encode value count mismatch")
	}
	var buf bytes.Buffer
	for i, e := range d.elements {
		v := values[i]
		if e.Kind == KindVarBytes {
			var lb [binary.MaxVarintLen64]byte
			n := binary.PutUvarint(lb[:], uint64(len(v)))
			buf.Write(lb[:n])
		} else if w, _ := e.fixedWidth(); len(v) != w {
			panic(fmt.Sprintf("tuple: element %d wrong width: got %d want %d", i, len(v), w))
		}
		buf.Write(v)
	}
	return buf.Bytes()
}

// EncodeUint64 big-endian encodes v into width bytes, for building fixed
// numeric element values to hand to Encode.
func EncodeUint64(v uint64, width int) []byte {
	b := make([]byte, width)
	for i := width - 1; i >= 0; i-- {
		b[i] = byte(v)
		v >>= 8
	}
	return b
}

// compareBytes compares two element payloads lexicographically; used for
// both KindFixedBytes/KindVarBytes and as the byte-level tiebreak deriving
// from big-endian numeric encodings (so the same comparator serves both).
func compareBytes(a, b []byte) int { return bytes.Compare(a, b) }

// Compare implements compare_tuples (spec §3.3): element-wise comparison of
// the first count elements (named by keys, an index list into the Def —
// typically keys == {0,1,2,...,count-1} for a pure key prefix, but the
// indices need not be contiguous nor start at 0 for an index_def's key
// columns), honoring a per-element direction.
func Compare(a, b []byte, def *Def, keys []int, directions []Direction) int {
	for i, col := range keys {
		dir := Ascending
		if i < len(directions) {
			dir = directions[i]
		}
		c := compareBytes(def.At(a, col), def.At(b, col))
		if dir == Descending {
			c = -c
		}
		if c != 0 {
			return c
		}
	}
	return 0
}

// ComparePrefix compares the first n columns (0..n-1) of a and b under def,
// all ascending — the common case used throughout the sorted-packed-page and
// B+ tree code for ordering by a key_def/index_def's key prefix.
func ComparePrefix(a, b []byte, def *Def, n int) int {
	keys := make([]int, n)
	for i := range keys {
		keys[i] = i
	}
	return Compare(a, b, def, keys, nil)
}
