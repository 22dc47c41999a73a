package snapshot

import (
	"encoding/binary"
	"testing"

	"github.com/icechunk-go/icechunk/objectid"
)

// The helpers below hand-assemble FlatBuffers tables children-first so
// that every pointer field's target position is already known when the
// field is written, avoiding a second back-patch pass.

type fieldSpec struct {
	raw      []byte // present for inline scalar/struct fields
	childAbs uint32 // present for ptr (string/vector/table) fields
	isPtr    bool
	absent   bool
}

func fAbsent() fieldSpec             { return fieldSpec{absent: true} }
func fU8(v uint8) fieldSpec          { return fieldSpec{raw: []byte{v}} }
func fStruct(raw []byte) fieldSpec   { return fieldSpec{raw: raw} }
func fPtr(childAbs uint32) fieldSpec { return fieldSpec{isPtr: true, childAbs: childAbs} }

func fU64(v uint64) fieldSpec {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, v)
	return fieldSpec{raw: b}
}

func appendTable(buf *[]byte, fields []fieldSpec) uint32 {
	n := len(fields)
	vtableSize := uint16(4 + n*2)
	vtableStart := uint32(len(*buf))
	tablePos := vtableStart + uint32(vtableSize)

	body := []byte{}
	relOffsets := make([]uint16, n)
	for i, f := range fields {
		if f.absent {
			continue
		}
		relOffsets[i] = uint16(4 + len(body))
		if f.isPtr {
			fieldAbsPos := tablePos + uint32(relOffsets[i])
			b := make([]byte, 4)
			binary.LittleEndian.PutUint32(b, f.childAbs-fieldAbsPos)
			body = append(body, b...)
		} else {
			body = append(body, f.raw...)
		}
	}

	vtable := make([]byte, vtableSize)
	binary.LittleEndian.PutUint16(vtable[0:2], vtableSize)
	binary.LittleEndian.PutUint16(vtable[2:4], uint16(4+len(body)))
	for i, ro := range relOffsets {
		binary.LittleEndian.PutUint16(vtable[4+i*2:6+i*2], ro)
	}

	*buf = append(*buf, vtable...)
	soffset := make([]byte, 4)
	binary.LittleEndian.PutUint32(soffset, tablePos-vtableStart)
	*buf = append(*buf, soffset...)
	*buf = append(*buf, body...)
	return tablePos
}

func appendBytesObject(buf *[]byte, data []byte) uint32 {
	pos := uint32(len(*buf))
	lenBytes := make([]byte, 4)
	binary.LittleEndian.PutUint32(lenBytes, uint32(len(data)))
	*buf = append(*buf, lenBytes...)
	*buf = append(*buf, data...)
	return pos
}

func appendVectorOfStructs(buf *[]byte, elements [][]byte) uint32 {
	pos := uint32(len(*buf))
	lenBytes := make([]byte, 4)
	binary.LittleEndian.PutUint32(lenBytes, uint32(len(elements)))
	*buf = append(*buf, lenBytes...)
	for _, e := range elements {
		*buf = append(*buf, e...)
	}
	return pos
}

func appendVectorOfTables(buf *[]byte, children []uint32) uint32 {
	pos := uint32(len(*buf))
	lenBytes := make([]byte, 4)
	binary.LittleEndian.PutUint32(lenBytes, uint32(len(children)))
	*buf = append(*buf, lenBytes...)
	dataStart := uint32(len(*buf))
	*buf = append(*buf, make([]byte, 4*len(children))...)
	for i, childAbs := range children {
		elemSlotPos := dataStart + uint32(i)*4
		val := childAbs - elemSlotPos
		binary.LittleEndian.PutUint32((*buf)[elemSlotPos:elemSlotPos+4], val)
	}
	return pos
}

func u32pair(a, b uint32) []byte {
	out := make([]byte, 8)
	binary.LittleEndian.PutUint32(out[0:4], a)
	binary.LittleEndian.PutUint32(out[4:8], b)
	return out
}

func u64pair(a, b uint64) []byte {
	out := make([]byte, 16)
	binary.LittleEndian.PutUint64(out[0:8], a)
	binary.LittleEndian.PutUint64(out[8:16], b)
	return out
}

// buildFixtureSnapshot builds a minimal but complete snapshot buffer: a
// root group node "" and an array node "arr" of rank 1 with a single
// manifest ref covering coordinates [0,3].
func buildFixtureSnapshot(t *testing.T, manifestID objectid.ObjectId12) []byte {
	t.Helper()
	buf := make([]byte, 8) // reserve root-offset(4) + file identifier(4)
	copy(buf[4:8], []byte("Ichk"))

	// ManifestRef: id struct + extents vector<(u32,u32)>
	extentsVec := appendVectorOfStructs(&buf, [][]byte{u32pair(0, 3)})
	manifestRefPos := appendTable(&buf, []fieldSpec{
		fStruct(manifestID[:]),
		fPtr(extentsVec),
	})
	manifestsVec := appendVectorOfTables(&buf, []uint32{manifestRefPos})

	// Array sub-table: shape/chunkShape vector<(u64,u64)>, no dimension
	// names, manifests vector.
	shapeVec := appendVectorOfStructs(&buf, [][]byte{u64pair(4, 2)})
	arrayTablePos := appendTable(&buf, []fieldSpec{
		fPtr(shapeVec),
		fAbsent(),
		fPtr(manifestsVec),
	})

	// Array NodeSnapshot: id, path "arr", empty userData, kind=array, nodeData=array table.
	arrayPathPos := appendBytesObject(&buf, []byte("arr"))
	arrayUserDataPos := appendBytesObject(&buf, nil)
	arrayNodeID := objectid.ObjectId8{1, 2, 3, 4, 5, 6, 7, 8}
	arrayNodePos := appendTable(&buf, []fieldSpec{
		fStruct(arrayNodeID[:]),
		fPtr(arrayPathPos),
		fPtr(arrayUserDataPos),
		fU8(uint8(NodeKindArray)),
		fPtr(arrayTablePos),
	})

	// Group sub-table (empty) and root NodeSnapshot at path "".
	groupTablePos := appendTable(&buf, nil)
	rootPathPos := appendBytesObject(&buf, []byte(""))
	rootUserDataPos := appendBytesObject(&buf, []byte(`{"hello":"world"}`))
	rootNodeID := objectid.ObjectId8{}
	rootNodePos := appendTable(&buf, []fieldSpec{
		fStruct(rootNodeID[:]),
		fPtr(rootPathPos),
		fPtr(rootUserDataPos),
		fU8(uint8(NodeKindGroup)),
		fPtr(groupTablePos),
	})

	// Nodes vector sorted ascending by path: "" < "arr".
	nodesVec := appendVectorOfTables(&buf, []uint32{rootNodePos, arrayNodePos})

	message := appendBytesObject(&buf, []byte("initial commit"))

	snapID := objectid.ObjectId12{9, 9, 9}
	rootTablePos := appendTable(&buf, []fieldSpec{
		fStruct(snapID[:]),
		fAbsent(), // no parent
		fPtr(nodesVec),
		fU64(1700000000000),
		fPtr(message),
		fAbsent(), // no metadata items
		fAbsent(), // no manifest-file registry entries for this fixture
	})

	binary.LittleEndian.PutUint32(buf[0:4], rootTablePos)
	return buf
}

func TestDecodeSnapshotFixture(t *testing.T) {
	manifestID := objectid.ObjectId12{5, 5, 5}
	data := buildFixtureSnapshot(t, manifestID)

	snap, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(snap.Nodes) != 2 {
		t.Fatalf("expected 2 nodes, got %d", len(snap.Nodes))
	}
	if snap.Message != "initial commit" {
		t.Errorf("message = %q", snap.Message)
	}
	if snap.FlushedAt.UnixMilli() != 1700000000000 {
		t.Errorf("flushedAt = %v", snap.FlushedAt)
	}

	root, ok := FindNode(snap, "")
	if !ok || root.Kind != NodeKindGroup {
		t.Fatalf("root node: ok=%v node=%v", ok, root)
	}
	if root.UserAttributes["hello"] != "world" {
		t.Errorf("root userAttributes = %v", root.UserAttributes)
	}

	arr, ok := FindNode(snap, "/arr/")
	if !ok || arr.Kind != NodeKindArray {
		t.Fatalf("array node: ok=%v node=%v", ok, arr)
	}
	if len(arr.Array.Shape) != 1 || arr.Array.Shape[0] != 4 || arr.Array.ChunkShape[0] != 2 {
		t.Fatalf("array shape/chunkShape = %v/%v", arr.Array.Shape, arr.Array.ChunkShape)
	}
	if len(arr.Array.Manifests) != 1 || arr.Array.Manifests[0].ID != manifestID {
		t.Fatalf("array manifests = %+v", arr.Array.Manifests)
	}
	if !IsChunkInExtent([]uint32{2}, arr.Array.Manifests[0].Extents) {
		t.Errorf("expected coord 2 to be covered by extent %v", arr.Array.Manifests[0].Extents)
	}
	if IsChunkInExtent([]uint32{4}, arr.Array.Manifests[0].Extents) {
		t.Errorf("expected coord 4 to be outside extent %v", arr.Array.Manifests[0].Extents)
	}
}

func TestFindNodeMissing(t *testing.T) {
	data := buildFixtureSnapshot(t, objectid.ObjectId12{1})
	snap, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if _, ok := FindNode(snap, "does/not/exist"); ok {
		t.Fatal("expected FindNode to report absent for an unknown path")
	}
}
