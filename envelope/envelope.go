// Package envelope parses the fixed 39-byte header that precedes every
// binary file in an Icechunk repository (snapshots, manifests, the
// transaction log and attribute files) and hands back a decompressed,
// FlatBuffers-ready byte view. This is the teacher's sstable footer/magic
// check (sstable/format.go, sstable/reader.go) generalised from a
// fixed-position file footer to a fixed-position file header, and from
// one on-disk compression byte to the envelope's two-code scheme
// (core.CompressionCode).
package envelope

import (
	"bytes"
	"fmt"
	"io"
	"sync"

	"github.com/icechunk-go/icechunk/core"
	"github.com/klauspost/compress/zstd"
)

// FileType identifies which FlatBuffers schema the envelope payload
// decodes under.
type FileType byte

const (
	FileTypeSnapshot FileType = 0
	FileTypeManifest FileType = 1
	FileTypeTxLog    FileType = 2
	FileTypeAttr     FileType = 3
)

// LatestSpecVersion is the highest envelope spec-version byte this
// decoder understands.
const LatestSpecVersion byte = 1

// magic is "ICE" followed by the U+1F9CA (ice cube) emoji's UTF-8 bytes,
// followed by "CHUNK": 12 bytes total.
var magic = []byte{'I', 'C', 'E', 0xF0, 0x9F, 0xA7, 0x8A, 'C', 'H', 'U', 'N', 'K'}

// flatbuffersFileIdentifier is the 4-byte FlatBuffers file_identifier
// Icechunk writers stamp into every snapshot/manifest root table.
var flatbuffersFileIdentifier = []byte{'I', 'c', 'h', 'k'}

const (
	headerSize       = 39
	versionFieldLen  = 24
	magicLen         = 12
	fileIDOffset     = 4
	fileIDLen        = 4
	minDecompressLen = fileIDOffset + fileIDLen
)

// Header is the parsed, fixed-size prefix of an envelope file.
type Header struct {
	Version     string
	SpecVersion byte
	FileType    FileType
	Compression core.CompressionCode
}

// Decoded is the result of parsing and decompressing an envelope: the
// header, plus the FlatBuffers-ready payload with the root offset
// (Payload[0:4]) and the file identifier (Payload[4:8]) still in place,
// so the whole payload is what the snapshot and manifest decoders read;
// the bytes after the identifier start at Payload[8:].
type Decoded struct {
	Header  Header
	Payload []byte
}

// Parse validates the header and decompresses the remainder of data,
// verifying the decompressed payload carries the "Ichk" FlatBuffers file
// identifier. wantType is the only FileType accepted; a header naming
// any other file type is a FormatError.
func Parse(data []byte, wantType FileType) (*Decoded, error) {
	if len(data) < headerSize {
		return nil, core.NewFormatError(core.FormatMagic, "file shorter than envelope header")
	}
	if !bytes.Equal(data[:magicLen], magic) {
		return nil, core.NewFormatError(core.FormatMagic, "magic bytes do not match")
	}

	version := bytes.TrimRight(data[magicLen:magicLen+versionFieldLen], " \x00")
	specVersion := data[magicLen+versionFieldLen]
	fileType := FileType(data[magicLen+versionFieldLen+1])
	compression := core.CompressionCode(data[magicLen+versionFieldLen+2])

	if specVersion > LatestSpecVersion {
		return nil, core.NewFormatError(core.FormatVersion, fmt.Sprintf("spec version %d exceeds latest supported %d", specVersion, LatestSpecVersion))
	}
	if fileType != wantType {
		return nil, core.NewFormatError(core.FormatField, fmt.Sprintf("expected file type %d, got %d", wantType, fileType))
	}

	payload, err := decompress(compression, data[headerSize:])
	if err != nil {
		return nil, err
	}

	if len(payload) < minDecompressLen || !bytes.Equal(payload[fileIDOffset:fileIDOffset+fileIDLen], flatbuffersFileIdentifier) {
		return nil, core.NewFormatError(core.FormatFileID, `decompressed payload missing "Ichk" FlatBuffers file identifier`)
	}

	return &Decoded{
		Header: Header{
			Version:     string(version),
			SpecVersion: specVersion,
			FileType:    fileType,
			Compression: compression,
		},
		Payload: payload,
	}, nil
}

// zstdDecoders holds ready-to-reset *zstd.Decoder values. Allocating a
// decoder involves setting up its window buffers, so envelopes read in a
// hot loop (iterating a manifest's chunk refs, say) reuse one instead of
// paying that cost per file.
var zstdDecoders = sync.Pool{
	New: func() any {
		dec, err := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(100<<20))
		if err != nil {
			// Only fails on bad options, which are fixed above.
			panic(fmt.Sprintf("envelope: building zstd decoder: %v", err))
		}
		return dec
	},
}

func decompress(code core.CompressionCode, rest []byte) ([]byte, error) {
	switch code {
	case core.CompressionNone:
		return rest, nil
	case core.CompressionZstd:
		return decompressZstd(rest)
	default:
		return nil, core.NewFormatError(core.FormatCompression, fmt.Sprintf("unknown compression code: %d", code))
	}
}

func decompressZstd(rest []byte) ([]byte, error) {
	dec := zstdDecoders.Get().(*zstd.Decoder)
	defer zstdDecoders.Put(dec)

	if err := dec.Reset(bytes.NewReader(rest)); err != nil {
		return nil, fmt.Errorf("envelope: resetting zstd decoder: %w", err)
	}

	buf := core.BufferPool.Get()
	defer core.BufferPool.Put(buf)
	if _, err := io.Copy(buf, dec); err != nil {
		return nil, fmt.Errorf("envelope: zstd decompress: %w", err)
	}
	out := make([]byte, buf.Len())
	copy(out, buf.Bytes())
	return out, nil
}
