package envelope

import (
	"bytes"
	"testing"

	"github.com/icechunk-go/icechunk/core"
	"github.com/klauspost/compress/zstd"
)

// buildEnvelope assembles a well-formed envelope around a FlatBuffers-like
// payload (just needs the 4-byte file identifier at the right offset for
// these tests, which exercise the header/compression contract rather than
// any real table).
func buildEnvelope(t *testing.T, fileType FileType, compression core.CompressionCode, tablePayload []byte) []byte {
	t.Helper()
	payload := append(append([]byte{0, 0, 0, 0}, flatbuffersFileIdentifier...), tablePayload...)

	var body []byte
	switch compression {
	case core.CompressionNone:
		body = payload
	case core.CompressionZstd:
		enc, err := zstd.NewWriter(nil)
		if err != nil {
			t.Fatalf("zstd.NewWriter: %v", err)
		}
		body = enc.EncodeAll(payload, nil)
	}

	var buf bytes.Buffer
	buf.Write(magic)
	version := make([]byte, versionFieldLen)
	copy(version, "ic-0.3.16")
	buf.Write(version)
	buf.WriteByte(LatestSpecVersion)
	buf.WriteByte(byte(fileType))
	buf.WriteByte(byte(compression))
	buf.Write(body)
	return buf.Bytes()
}

func TestParseUncompressedRoundTrip(t *testing.T) {
	data := buildEnvelope(t, FileTypeSnapshot, core.CompressionNone, []byte("hello"))
	dec, err := Parse(data, FileTypeSnapshot)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if dec.Header.Compression != core.CompressionNone {
		t.Errorf("expected CompressionNone, got %v", dec.Header.Compression)
	}
	if !bytes.Equal(dec.Payload[8:], []byte("hello")) {
		t.Errorf("payload table bytes mismatch: %q", dec.Payload[8:])
	}
}

func TestParseZstdRoundTrip(t *testing.T) {
	data := buildEnvelope(t, FileTypeManifest, core.CompressionZstd, []byte("chunk-index"))
	dec, err := Parse(data, FileTypeManifest)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if !bytes.Equal(dec.Payload[8:], []byte("chunk-index")) {
		t.Errorf("payload table bytes mismatch: %q", dec.Payload[8:])
	}
}

func TestParseRejectsBadMagic(t *testing.T) {
	data := buildEnvelope(t, FileTypeSnapshot, core.CompressionNone, []byte("x"))
	data[0] ^= 0xFF
	_, err := Parse(data, FileTypeSnapshot)
	if !core.IsFormatError(err) {
		t.Fatalf("expected FormatError, got %v", err)
	}
	var fe *core.FormatError
	if e, ok := err.(*core.FormatError); ok {
		fe = e
	}
	if fe == nil || fe.Subkind != core.FormatMagic {
		t.Fatalf("expected magic subkind, got %v", err)
	}
}

func TestParseRejectsFutureSpecVersion(t *testing.T) {
	data := buildEnvelope(t, FileTypeSnapshot, core.CompressionNone, []byte("x"))
	data[magicLen+versionFieldLen] = LatestSpecVersion + 1
	_, err := Parse(data, FileTypeSnapshot)
	if !core.IsFormatError(err) {
		t.Fatalf("expected FormatError, got %v", err)
	}
}

func TestParseRejectsUnknownCompression(t *testing.T) {
	data := buildEnvelope(t, FileTypeSnapshot, core.CompressionNone, []byte("x"))
	data[magicLen+versionFieldLen+2] = 0x7F
	_, err := Parse(data, FileTypeSnapshot)
	if !core.IsFormatError(err) {
		t.Fatalf("expected FormatError, got %v", err)
	}
}

func TestParseRejectsMissingFileIdentifier(t *testing.T) {
	var buf bytes.Buffer
	buf.Write(magic)
	buf.Write(make([]byte, versionFieldLen))
	buf.WriteByte(LatestSpecVersion)
	buf.WriteByte(byte(FileTypeSnapshot))
	buf.WriteByte(byte(core.CompressionNone))
	buf.Write([]byte("no-flatbuffers-id-here"))

	_, err := Parse(buf.Bytes(), FileTypeSnapshot)
	fe, ok := err.(*core.FormatError)
	if !ok {
		t.Fatalf("expected FormatError, got %v", err)
	}
	if fe.Subkind != core.FormatFileID {
		t.Fatalf("expected file-id subkind, got %v", fe.Subkind)
	}
}

func TestParseRejectsWrongFileType(t *testing.T) {
	data := buildEnvelope(t, FileTypeManifest, core.CompressionNone, []byte("x"))
	_, err := Parse(data, FileTypeSnapshot)
	if !core.IsFormatError(err) {
		t.Fatalf("expected FormatError, got %v", err)
	}
}
