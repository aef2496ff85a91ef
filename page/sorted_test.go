package page

import (
	"testing"

	"github.com/embedded-index/tupleindex/dam"
	"github.com/embedded-index/tupleindex/tuple"
)

// fakePMM journals nothing; it just lets sorted.go's mutations through,
// matching how a real PageModificationMethods already sees buf mutated in
// place and only needs to record the touched region for recovery.
type fakePMM struct{}

func (fakePMM) WriteRegion(txnID uint64, pageID dam.PageID, buf []byte, offset uint32, data []byte, abortErr *error) {
}
func (fakePMM) MoveRegion(txnID uint64, pageID dam.PageID, buf []byte, dstOffset, srcOffset, length uint32, abortErr *error) {
}
func (fakePMM) SetHeader(txnID uint64, pageID dam.PageID, buf []byte, header []byte, abortErr *error) {
}
func (fakePMM) InitPage(txnID uint64, pageID dam.PageID, buf []byte, abortErr *error) {}

func u32Tuple(v uint32) []byte { return tuple.EncodeUint64(uint64(v), 4) }

func keyDef() *tuple.Def { return tuple.NewDef(tuple.Element{Kind: tuple.KindUint32}) }

func newTestPacked(t *testing.T, size int) *Packed {
	t.Helper()
	buf := make([]byte, size)
	var abortErr error
	InitPacked(fakePMM{}, 1, buf, dam.PageID(1), &abortErr)
	if abortErr != nil {
		t.Fatalf("InitPacked: %v", abortErr)
	}
	return NewPacked(buf, keyDef(), dam.PageID(1))
}

func TestInsertSortedOrder(t *testing.T) {
	p := newTestPacked(t, 256)
	var abortErr error
	vals := []uint32{30, 10, 20, 5}
	for _, v := range vals {
		if _, ok := p.Insert(fakePMM{}, 1, u32Tuple(v), 1, &abortErr); !ok {
			t.Fatalf("Insert(%d) failed", v)
		}
	}
	if p.Count() != 4 {
		t.Fatalf("Count() = %d, want 4", p.Count())
	}
	want := []uint32{5, 10, 20, 30}
	for i, w := range want {
		got := keyDef().Uint64At(p.GetTuple(i), 0)
		if uint32(got) != w {
			t.Fatalf("GetTuple(%d) = %d, want %d", i, got, w)
		}
	}
}

func TestSearchAndBounds(t *testing.T) {
	p := newTestPacked(t, 256)
	var abortErr error
	for _, v := range []uint32{10, 20, 30, 40} {
		p.Insert(fakePMM{}, 1, u32Tuple(v), 1, &abortErr)
	}
	if idx := p.Search(u32Tuple(20), 1); idx != 1 {
		t.Fatalf("Search(20) = %d, want 1", idx)
	}
	if idx := p.Search(u32Tuple(25), 1); idx != NotFound {
		t.Fatalf("Search(25) = %d, want NotFound", idx)
	}
	if idx := p.FindInsertionPoint(u32Tuple(25), 1); idx != 2 {
		t.Fatalf("FindInsertionPoint(25) = %d, want 2", idx)
	}
	if idx := p.FindPreceding(u32Tuple(20), 1); idx != 0 {
		t.Fatalf("FindPreceding(20) = %d, want 0", idx)
	}
	if idx := p.FindPrecedingEquals(u32Tuple(20), 1); idx != 1 {
		t.Fatalf("FindPrecedingEquals(20) = %d, want 1", idx)
	}
	if idx := p.FindSucceeding(u32Tuple(20), 1); idx != 2 {
		t.Fatalf("FindSucceeding(20) = %d, want 2", idx)
	}
	if idx := p.FindSucceedingEquals(u32Tuple(20), 1); idx != 1 {
		t.Fatalf("FindSucceedingEquals(20) = %d, want 1", idx)
	}
	if idx := p.FindSucceeding(u32Tuple(40), 1); idx != NotFound {
		t.Fatalf("FindSucceeding(40) = %d, want NotFound", idx)
	}
	if idx := p.FindPreceding(u32Tuple(10), 1); idx != NotFound {
		t.Fatalf("FindPreceding(10) = %d, want NotFound", idx)
	}
}

func TestDeleteAtCompacts(t *testing.T) {
	p := newTestPacked(t, 256)
	var abortErr error
	for _, v := range []uint32{10, 20, 30} {
		p.Insert(fakePMM{}, 1, u32Tuple(v), 1, &abortErr)
	}
	if !p.DeleteAt(fakePMM{}, 1, 1, &abortErr) {
		t.Fatalf("DeleteAt(1) failed")
	}
	if p.Count() != 2 {
		t.Fatalf("Count() = %d, want 2", p.Count())
	}
	want := []uint32{10, 30}
	for i, w := range want {
		got := keyDef().Uint64At(p.GetTuple(i), 0)
		if uint32(got) != w {
			t.Fatalf("GetTuple(%d) = %d, want %d", i, got, w)
		}
	}
	if p.garbage() != 0 {
		t.Fatalf("garbage() = %d, want 0 after compact", p.garbage())
	}
}

func TestDeleteRange(t *testing.T) {
	p := newTestPacked(t, 256)
	var abortErr error
	for _, v := range []uint32{10, 20, 30, 40, 50} {
		p.Insert(fakePMM{}, 1, u32Tuple(v), 1, &abortErr)
	}
	if !p.DeleteRange(fakePMM{}, 1, 1, 3, &abortErr) {
		t.Fatalf("DeleteRange(1,3) failed")
	}
	if p.Count() != 2 {
		t.Fatalf("Count() = %d, want 2", p.Count())
	}
	if v := keyDef().Uint64At(p.GetTuple(0), 0); v != 10 {
		t.Fatalf("GetTuple(0) = %d, want 10", v)
	}
	if v := keyDef().Uint64At(p.GetTuple(1), 0); v != 50 {
		t.Fatalf("GetTuple(1) = %d, want 50", v)
	}
}

func TestUpdateAtInPlaceAndRejectsGrow(t *testing.T) {
	def := tuple.NewDef(tuple.Element{Kind: tuple.KindVarBytes})
	buf := make([]byte, 256)
	var abortErr error
	InitPacked(fakePMM{}, 1, buf, dam.PageID(1), &abortErr)
	p := NewPacked(buf, def, dam.PageID(1))

	long := tuple.Encode(def, [][]byte{[]byte("hello-world")})
	p.InsertAt(fakePMM{}, 1, long, 0, &abortErr)

	shorter := tuple.Encode(def, [][]byte{[]byte("hi")})
	if !p.UpdateAt(fakePMM{}, 1, 0, shorter, &abortErr) {
		t.Fatalf("UpdateAt shrink should succeed")
	}
	if string(def.At(p.GetTuple(0), 0)) != "hi" {
		t.Fatalf("GetTuple(0) = %q, want hi", def.At(p.GetTuple(0), 0))
	}
	if p.garbage() == 0 {
		t.Fatalf("expected garbage to accumulate after in-place shrink")
	}

	longer := tuple.Encode(def, [][]byte{[]byte("this is far too long now")})
	if p.UpdateAt(fakePMM{}, 1, 0, longer, &abortErr) {
		t.Fatalf("UpdateAt growth beyond recorded size should fail")
	}
}

func TestInsertAllFromBulkAppend(t *testing.T) {
	dst := newTestPacked(t, 512)
	src := newTestPacked(t, 512)
	var abortErr error
	for _, v := range []uint32{1, 2} {
		dst.Insert(fakePMM{}, 1, u32Tuple(v), 1, &abortErr)
	}
	for _, v := range []uint32{3, 4, 5} {
		src.Insert(fakePMM{}, 1, u32Tuple(v), 1, &abortErr)
	}
	n := InsertAllFrom(dst, src, fakePMM{}, 1, 1, 0, 2, &abortErr)
	if n != 3 {
		t.Fatalf("InsertAllFrom inserted %d, want 3", n)
	}
	if dst.Count() != 5 {
		t.Fatalf("dst.Count() = %d, want 5", dst.Count())
	}
	for i, w := range []uint32{1, 2, 3, 4, 5} {
		got := keyDef().Uint64At(dst.GetTuple(i), 0)
		if uint32(got) != w {
			t.Fatalf("dst.GetTuple(%d) = %d, want %d", i, got, w)
		}
	}
}

func TestInsertAllFromOneByOne(t *testing.T) {
	dst := newTestPacked(t, 512)
	src := newTestPacked(t, 512)
	var abortErr error
	for _, v := range []uint32{10, 40} {
		dst.Insert(fakePMM{}, 1, u32Tuple(v), 1, &abortErr)
	}
	for _, v := range []uint32{20, 30} {
		src.Insert(fakePMM{}, 1, u32Tuple(v), 1, &abortErr)
	}
	n := InsertAllFrom(dst, src, fakePMM{}, 1, 1, 0, 1, &abortErr)
	if n != 2 {
		t.Fatalf("InsertAllFrom inserted %d, want 2", n)
	}
	want := []uint32{10, 20, 30, 40}
	for i, w := range want {
		got := keyDef().Uint64At(dst.GetTuple(i), 0)
		if uint32(got) != w {
			t.Fatalf("dst.GetTuple(%d) = %d, want %d", i, got, w)
		}
	}
}

func TestCapacityPredicates(t *testing.T) {
	p := newTestPacked(t, 100)
	c := p.Capacity()
	if c.Allotted != 100 || c.Used != hdrSize {
		t.Fatalf("Capacity() = %+v, want Allotted=100 Used=%d", c, hdrSize)
	}
	var abortErr error
	p.Insert(fakePMM{}, 1, u32Tuple(1), 1, &abortErr)
	c = p.Capacity()
	if !c.LessThanHalfFull() {
		t.Fatalf("expected page to still be less than half full after one small insert")
	}
}
