// Package flatbuf is a minimal, non-generated FlatBuffers table reader.
// Icechunk's snapshot and manifest files are proper FlatBuffers, but this
// module never links the flatbuffers runtime or its generated accessors
// (spec.md §9: "An implementation may use a generated reader; field
// indices above are the contract regardless"). Instead it walks vtables
// by the byte-offset rules any FlatBuffers reader must follow, the same
// way the teacher's sstable package walks its own hand-rolled footer and
// block-index tables by fixed byte offsets (sstable/format.go,
// sstable/index.go) rather than through a generated schema.
package flatbuf

import (
	"encoding/binary"
	"fmt"
)

// Table is a FlatBuffers table view over a shared byte slice: Pos is the
// absolute byte offset of the table's vtable-soffset field.
type Table struct {
	Buf []byte
	Pos uint32
}

// RootTable reads the root table offset from the first 4 bytes of buf
// and returns a Table positioned on it.
func RootTable(buf []byte) (Table, error) {
	if len(buf) < 4 {
		return Table{}, fmt.Errorf("flatbuf: buffer too short for root offset")
	}
	root := binary.LittleEndian.Uint32(buf[0:4])
	if uint64(root) >= uint64(len(buf)) {
		return Table{}, fmt.Errorf("flatbuf: root offset %d out of range", root)
	}
	return Table{Buf: buf, Pos: root}, nil
}

// vtable returns the absolute position of t's vtable.
func (t Table) vtable() uint32 {
	soffset := int32(binary.LittleEndian.Uint32(t.Buf[t.Pos : t.Pos+4]))
	return uint32(int64(t.Pos) - int64(soffset))
}

// fieldOffset resolves a vtable field index (0-based, as in the spec's
// "idx" column) to the absolute byte position of the field's value
// within t, or ok=false if the field is absent (not in this vtable, or
// zero, meaning "not written").
func (t Table) fieldOffset(fieldIndex uint16) (uint32, bool) {
	vt := t.vtable()
	vtableSize := binary.LittleEndian.Uint16(t.Buf[vt : vt+2])
	slot := uint32(4 + fieldIndex*2)
	if slot >= uint32(vtableSize) {
		return 0, false
	}
	rel := binary.LittleEndian.Uint16(t.Buf[vt+slot : vt+slot+2])
	if rel == 0 {
		return 0, false
	}
	return t.Pos + uint32(rel), true
}

// indirect follows the uoffset32 stored at fieldPos and returns the
// absolute position it points to (used for strings, vectors and nested
// tables, all of which are offset-referenced rather than inline).
func (t Table) indirect(fieldPos uint32) uint32 {
	off := binary.LittleEndian.Uint32(t.Buf[fieldPos : fieldPos+4])
	return fieldPos + off
}

// Uint8/Uint32/Uint64 read scalar fields. ok is false when the field is
// absent from the vtable (the caller should use the schema default).
func (t Table) Uint8(fieldIndex uint16) (uint8, bool) {
	pos, ok := t.fieldOffset(fieldIndex)
	if !ok {
		return 0, false
	}
	return t.Buf[pos], true
}

func (t Table) Uint32(fieldIndex uint16) (uint32, bool) {
	pos, ok := t.fieldOffset(fieldIndex)
	if !ok {
		return 0, false
	}
	return binary.LittleEndian.Uint32(t.Buf[pos : pos+4]), true
}

func (t Table) Uint64(fieldIndex uint16) (uint64, bool) {
	pos, ok := t.fieldOffset(fieldIndex)
	if !ok {
		return 0, false
	}
	return binary.LittleEndian.Uint64(t.Buf[pos : pos+8]), true
}

// String reads a string field.
func (t Table) String(fieldIndex uint16) (string, bool) {
	pos, ok := t.fieldOffset(fieldIndex)
	if !ok {
		return "", false
	}
	strPos := t.indirect(pos)
	length := binary.LittleEndian.Uint32(t.Buf[strPos : strPos+4])
	return string(t.Buf[strPos+4 : strPos+4+length]), true
}

// Bytes reads a vector<uint8> field as a raw byte slice. The returned
// slice aliases the underlying buffer; callers that retain it past the
// buffer's lifetime must copy.
func (t Table) Bytes(fieldIndex uint16) ([]byte, bool) {
	start, length, ok := t.Vector(fieldIndex)
	if !ok {
		return nil, false
	}
	return t.Buf[start : start+length], true
}

// StructField returns the absolute position of an inline struct field.
// Structs, unlike tables, are embedded directly in their parent rather
// than offset-referenced.
func (t Table) StructField(fieldIndex uint16) (uint32, bool) {
	return t.fieldOffset(fieldIndex)
}

// TableField returns a Table view over a nested table field.
func (t Table) TableField(fieldIndex uint16) (Table, bool) {
	pos, ok := t.fieldOffset(fieldIndex)
	if !ok {
		return Table{}, false
	}
	return Table{Buf: t.Buf, Pos: t.indirect(pos)}, true
}

// Vector returns the absolute start position of the first element and
// the element count for a vector field (of any element kind).
func (t Table) Vector(fieldIndex uint16) (start uint32, length uint32, ok bool) {
	pos, present := t.fieldOffset(fieldIndex)
	if !present {
		return 0, 0, false
	}
	vecPos := t.indirect(pos)
	length = binary.LittleEndian.Uint32(t.Buf[vecPos : vecPos+4])
	return vecPos + 4, length, true
}

// VectorTableElement returns a Table view over element i of a
// vector<table> whose first element starts at start.
func (t Table) VectorTableElement(start uint32, i uint32) Table {
	elemSlot := start + i*4
	off := binary.LittleEndian.Uint32(t.Buf[elemSlot : elemSlot+4])
	return Table{Buf: t.Buf, Pos: elemSlot + off}
}

// VectorStructElement returns the absolute position of element i of a
// vector<struct> whose first element starts at start and whose structs
// are structSize bytes wide. Struct vector elements are inline, unlike
// table vector elements.
func (t Table) VectorStructElement(start uint32, i uint32, structSize uint32) uint32 {
	return start + i*structSize
}
