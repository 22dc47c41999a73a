// Package snapshot decodes an Icechunk snapshot's FlatBuffers table into
// the immutable repository-tree view the store facade walks: a flat,
// path-sorted list of nodes, each carrying its Zarr array/group payload
// and, for arrays, the manifest references needed to locate chunks.
//
// This is the read-side counterpart of the teacher's snapshot package
// (which manages writing and replaying its own WAL-backed snapshot
// manifests); the decode/lookup shape below is new, but the path-sorted
// binary search is grounded on the teacher's sstable block index lookup
// (sstable/index.go's sort.Search over FirstKey).
package snapshot

import (
	"encoding/json"
	"sort"
	"strings"
	"time"

	"github.com/icechunk-go/icechunk/core"
	"github.com/icechunk-go/icechunk/flatbuf"
	"github.com/icechunk-go/icechunk/objectid"
)

// NodeKind distinguishes a group node from an array node, mirroring the
// wire's nodeDataType byte (spec §4.3).
type NodeKind uint8

const (
	NodeKindGroup NodeKind = 2
	NodeKindArray NodeKind = 1
)

// Extent is an inclusive-both-ends per-dimension chunk-coordinate range.
type Extent struct {
	Start, End uint32
}

// ManifestRef attaches a manifest to the array node's coverage of chunk
// coordinate space.
type ManifestRef struct {
	ID      objectid.ObjectId12
	Extents []Extent
}

// IsChunkInExtent reports whether coords is covered by refExtents: equal
// arity, and every coordinate within its dimension's inclusive [start,end]
// range (spec §3, §8 property 4; §9 notes the inclusive-both-ends choice
// is load-bearing, writers using half-open ranges would be off by one).
func IsChunkInExtent(coords []uint32, refExtents []Extent) bool {
	if len(coords) != len(refExtents) {
		return false
	}
	for i, c := range coords {
		if c < refExtents[i].Start || c > refExtents[i].End {
			return false
		}
	}
	return true
}

// ArrayData holds an array node's binary-decoded payload. dataType,
// fillValue, codecs and chunkKeyEncoding are not represented in this
// table; the store facade lifts them from the node's UserAttributes when
// synthesising zarr.json (spec §3, §4.7).
type ArrayData struct {
	Shape          []uint64
	ChunkShape     []uint64
	DimensionNames []string
	Manifests      []ManifestRef
}

// Node is one entry of a snapshot's flat, path-sorted tree.
type Node struct {
	ID             objectid.ObjectId8
	Path           string
	UserAttributes map[string]any
	Kind           NodeKind
	Array          *ArrayData // non-nil iff Kind == NodeKindArray
}

// Snapshot is the fully decoded, immutable repository state at a point
// in time.
type Snapshot struct {
	ID             objectid.ObjectId12
	ParentID       *objectid.ObjectId12
	FlushedAt      time.Time
	Message        string
	Metadata       map[string]string
	ManifestFiles  map[objectid.ObjectId12]struct{}
	AttributeFiles map[objectid.ObjectId12]struct{}
	Nodes          []Node // sorted by Path ascending
}

// NormalisePath strips leading/trailing slashes; the repository root
// normalises to "".
func NormalisePath(p string) string {
	return strings.Trim(p, "/")
}

// FindNode performs the O(log N) binary search spec.md §4.3 and §8
// property 5 require, relying on the writer's contract that Nodes is
// sorted ascending by Path. Behaviour is undefined (per spec) if that
// invariant has been violated; this implementation silently returns
// "not found" rather than detecting the violation.
func FindNode(snap *Snapshot, path string) (*Node, bool) {
	target := NormalisePath(path)
	nodes := snap.Nodes
	i := sort.Search(len(nodes), func(i int) bool {
		return nodes[i].Path >= target
	})
	if i < len(nodes) && nodes[i].Path == target {
		return &nodes[i], true
	}
	return nil, false
}

// Decode reads a snapshot's root FlatBuffers table out of an
// already-enveloped-and-decompressed payload (the output of
// envelope.Parse with FileTypeSnapshot).
func Decode(payload []byte) (*Snapshot, error) {
	root, err := flatbuf.RootTable(payload)
	if err != nil {
		return nil, core.NewFormatError(core.FormatField, "snapshot root table: "+err.Error())
	}

	snap := &Snapshot{
		Metadata:       map[string]string{},
		ManifestFiles:  map[objectid.ObjectId12]struct{}{},
		AttributeFiles: map[objectid.ObjectId12]struct{}{},
	}

	idPos, ok := root.StructField(0)
	if !ok {
		return nil, core.NewFormatError(core.FormatField, "snapshot missing id field")
	}
	copy(snap.ID[:], payload[idPos:idPos+12])

	if parentPos, ok := root.StructField(1); ok {
		var parent objectid.ObjectId12
		copy(parent[:], payload[parentPos:parentPos+12])
		snap.ParentID = &parent
	}

	if flushedAt, ok := root.Uint64(3); ok {
		snap.FlushedAt = time.UnixMilli(int64(flushedAt)).UTC()
	}
	if msg, ok := root.String(4); ok {
		snap.Message = msg
	}

	if start, length, ok := root.Vector(5); ok {
		for i := uint32(0); i < length; i++ {
			item := root.VectorTableElement(start, i)
			key, _ := item.String(0)
			value, _ := item.String(1)
			snap.Metadata[key] = value
		}
	}

	if start, length, ok := root.Vector(6); ok {
		const manifestFileInfoSize = 32
		for i := uint32(0); i < length; i++ {
			pos := root.VectorStructElement(start, i, manifestFileInfoSize)
			var id objectid.ObjectId12
			copy(id[:], payload[pos:pos+12])
			snap.ManifestFiles[id] = struct{}{}
		}
	}

	if start, length, ok := root.Vector(2); ok {
		snap.Nodes = make([]Node, length)
		for i := uint32(0); i < length; i++ {
			node, err := decodeNodeSnapshot(root.VectorTableElement(start, i))
			if err != nil {
				return nil, err
			}
			snap.Nodes[i] = node
		}
	}

	return snap, nil
}

// decodeNodeSnapshot decodes a NodeSnapshot sub-table. Spec §4.3 names
// its fields (id, path, userData, nodeDataType, nodeData) without a
// vtable index table; this decoder assumes declaration order maps
// directly onto vtable indices 0..4, the same convention the root
// Snapshot table itself is specified with.
func decodeNodeSnapshot(t flatbuf.Table) (Node, error) {
	var node Node

	idPos, ok := t.StructField(0)
	if !ok {
		return node, core.NewFormatError(core.FormatField, "node missing id field")
	}
	copy(node.ID[:], t.Buf[idPos:idPos+8])

	path, _ := t.String(1)
	node.Path = NormalisePath(path)

	node.UserAttributes = parseUserAttributes(t)

	kind, _ := t.Uint8(3)
	node.Kind = NodeKind(kind)

	if node.Kind == NodeKindArray {
		arrayTable, ok := t.TableField(4)
		if !ok {
			return node, core.NewFormatError(core.FormatField, "array node missing nodeData table")
		}
		array, err := decodeArrayData(arrayTable)
		if err != nil {
			return node, err
		}
		node.Array = array
	}

	return node, nil
}

// parseUserAttributes decodes the node's userData bytes as JSON. Parse
// failure is explicitly not an error per spec §4.3: it yields an empty
// map.
func parseUserAttributes(t flatbuf.Table) map[string]any {
	raw, ok := t.Bytes(2)
	if !ok || len(raw) == 0 {
		return map[string]any{}
	}
	var attrs map[string]any
	if err := json.Unmarshal(raw, &attrs); err != nil {
		return map[string]any{}
	}
	if attrs == nil {
		attrs = map[string]any{}
	}
	return attrs
}

// decodeArrayData decodes an array node's nodeData sub-table: shape
// (field 0), optional dimensionNames (field 1), and manifests (field 2).
func decodeArrayData(t flatbuf.Table) (*ArrayData, error) {
	array := &ArrayData{}

	if start, length, ok := t.Vector(0); ok {
		array.Shape = make([]uint64, length)
		array.ChunkShape = make([]uint64, length)
		for i := uint32(0); i < length; i++ {
			pos := t.VectorStructElement(start, i, 16) // (u64,u64) pair
			array.Shape[i] = leUint64(t.Buf, pos)
			array.ChunkShape[i] = leUint64(t.Buf, pos+8)
		}
	}

	if start, length, ok := t.Vector(1); ok {
		array.DimensionNames = make([]string, length)
		for i := uint32(0); i < length; i++ {
			nameTable := t.VectorTableElement(start, i)
			name, _ := nameTable.String(0)
			array.DimensionNames[i] = name
		}
	}

	if start, length, ok := t.Vector(2); ok {
		array.Manifests = make([]ManifestRef, length)
		for i := uint32(0); i < length; i++ {
			refTable := t.VectorTableElement(start, i)
			ref, err := decodeManifestRef(refTable)
			if err != nil {
				return nil, err
			}
			array.Manifests[i] = ref
		}
	}

	return array, nil
}

func decodeManifestRef(t flatbuf.Table) (ManifestRef, error) {
	var ref ManifestRef
	idPos, ok := t.StructField(0)
	if !ok {
		return ref, core.NewFormatError(core.FormatField, "manifest ref missing id field")
	}
	copy(ref.ID[:], t.Buf[idPos:idPos+12])

	if start, length, ok := t.Vector(1); ok {
		ref.Extents = make([]Extent, length)
		for i := uint32(0); i < length; i++ {
			pos := t.VectorStructElement(start, i, 8) // (u32,u32) pair
			ref.Extents[i] = Extent{
				Start: leUint32(t.Buf, pos),
				End:   leUint32(t.Buf, pos+4),
			}
		}
	}
	return ref, nil
}

func leUint32(buf []byte, pos uint32) uint32 {
	return uint32(buf[pos]) | uint32(buf[pos+1])<<8 | uint32(buf[pos+2])<<16 | uint32(buf[pos+3])<<24
}

func leUint64(buf []byte, pos uint32) uint64 {
	var v uint64
	for i := 0; i < 8; i++ {
		v |= uint64(buf[pos+uint32(i)]) << (8 * i)
	}
	return v
}
