package tuple

import "testing"

func u32Def() *Def {
	return NewDef(Element{Kind: KindUint32}, Element{Kind: KindUint32})
}

func TestEncodeDecodeFixed(t *testing.T) {
	def := u32Def()
	raw := Encode(def, [][]byte{EncodeUint64(10, 4), EncodeUint64(99, 4)})
	if got := def.Size(raw); got != 8 {
		t.Fatalf("Size() = %d, want 8", got)
	}
	if got := def.Uint64At(raw, 0); got != 10 {
		t.Fatalf("Uint64At(0) = %d, want 10", got)
	}
	if got := def.Uint64At(raw, 1); got != 99 {
		t.Fatalf("Uint64At(1) = %d, want 99", got)
	}
}

func TestCompareOrdering(t *testing.T) {
	def := u32Def()
	a := Encode(def, [][]byte{EncodeUint64(1, 4), EncodeUint64(0, 4)})
	b := Encode(def, [][]byte{EncodeUint64(2, 4), EncodeUint64(0, 4)})
	if ComparePrefix(a, b, def, 1) >= 0 {
		t.Fatalf("expected a < b")
	}
	if ComparePrefix(b, a, def, 1) <= 0 {
		t.Fatalf("expected b > a")
	}
	if ComparePrefix(a, a, def, 1) != 0 {
		t.Fatalf("expected a == a")
	}
}

func TestCompareDescending(t *testing.T) {
	def := u32Def()
	a := Encode(def, [][]byte{EncodeUint64(1, 4), EncodeUint64(0, 4)})
	b := Encode(def, [][]byte{EncodeUint64(2, 4), EncodeUint64(0, 4)})
	if Compare(a, b, def, []int{0}, []Direction{Descending}) <= 0 {
		t.Fatalf("expected a > b under descending order")
	}
}

func TestVarBytesRoundTrip(t *testing.T) {
	def := NewDef(Element{Kind: KindUint32}, Element{Kind: KindVarBytes})
	raw := Encode(def, [][]byte{EncodeUint64(5, 4), []byte("hello")})
	if string(def.At(raw, 1)) != "hello" {
		t.Fatalf("At(1) = %q, want hello", def.At(raw, 1))
	}
	if got := def.Size(raw); got != 4+1+5 {
		t.Fatalf("Size() = %d, want %d", got, 4+1+5)
	}
}

func TestIndexDefAppendsChildID(t *testing.T) {
	keyDef := NewDef(Element{Kind: KindUint32})
	idxDef := NewIndexDef(keyDef)
	if idxDef.ElementCount() != 2 {
		t.Fatalf("ElementCount() = %d, want 2", idxDef.ElementCount())
	}
	raw := Encode(idxDef, [][]byte{EncodeUint64(7, 4), EncodeUint64(42, 8)})
	if got := idxDef.Uint64At(raw, 1); got != 42 {
		t.Fatalf("child id = %d, want 42", got)
	}
}
