package page

// Capacity collects the storage-capacity predicates (spec §4.4), the sole
// admission tests crabbing decisions are allowed to rely on. allotted and
// used are both measured in bytes of the page's tuple area.
type Capacity struct {
	Allotted uint32
	Used     uint32
}

// LessThanHalfFull reports used < allotted/2.
func (c Capacity) LessThanHalfFull() bool { return c.Used < c.Allotted/2 }

// MoreThanHalfFull reports used > allotted/2.
func (c Capacity) MoreThanHalfFull() bool { return c.Used > c.Allotted/2 }

// LessOrEqualHalfFull reports used <= allotted/2.
func (c Capacity) LessOrEqualHalfFull() bool { return c.Used <= c.Allotted/2 }

// MoreOrEqualHalfFull reports used >= allotted/2.
func (c Capacity) MoreOrEqualHalfFull() bool { return c.Used >= c.Allotted/2 }

// CanInsertWithoutSplit compares the space required by tupleSize (plus its
// slot-directory entry, accounted for by the caller via slotOverhead) against
// free space plus reclaimable tombstone space. This is the sole admission
// test Packed.InsertAt relies on (spec §4.4).
func (c Capacity) CanInsertWithoutSplit(tupleSize, slotOverhead, reclaimable uint32) bool {
	free := c.Allotted - c.Used
	return tupleSize+slotOverhead <= free+reclaimable
}
