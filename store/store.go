// Package store implements the Icechunk read path's top-level facade:
// Open resolves a ref and loads a snapshot; Get parses a Zarr key and
// serves either a synthesised zarr.json document or raw chunk bytes via
// the two-level snapshot → manifest → chunk lookup.
//
// Grounded on the teacher's engine facade shape (a long-lived handle
// wrapping a cache, a backend, and an immutable point-in-time view,
// exposing a small set of read operations) even though the teacher's
// own engine is a read-write LSM store; this package keeps that same
// "facade owns cache and backend, immutable view underneath" structure
// while dropping everything related to writes.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/icechunk-go/icechunk/cache"
	"github.com/icechunk-go/icechunk/config"
	"github.com/icechunk-go/icechunk/core"
	"github.com/icechunk-go/icechunk/envelope"
	"github.com/icechunk-go/icechunk/manifest"
	"github.com/icechunk-go/icechunk/objectid"
	"github.com/icechunk-go/icechunk/refs"
	"github.com/icechunk-go/icechunk/snapshot"
	"github.com/icechunk-go/icechunk/transport"
	"github.com/icechunk-go/icechunk/urlutil"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// tracer is this package's OpenTelemetry tracer (spec §4.10): Open, Get
// and fetchManifest each open a span under it (the ref, snapshot and
// chunk fetches run inside the Open or Get span), following the
// teacher's convention of a component-scoped tracer pulled from the
// globally configured provider rather than one threaded through every
// call.
var tracer = otel.Tracer("github.com/icechunk-go/icechunk/store")

// Options configures Open.
type Options struct {
	Snapshot string // explicit snapshot id, takes priority over Tag/Ref
	Tag      string
	Ref      string // branch name; "" defaults to cfg.Ref.DefaultBranch, then "main"
	Headers  map[string]string
	Logger   *slog.Logger
}

// Store is an open handle onto one immutable snapshot of a repository.
// Resolve returns a new Store sharing the same snapshot, backend, and
// manifest cache (spec §4.7, §9: "implement via shared ownership of
// snapshot and LRU, not a new store").
type Store struct {
	root        string
	fetcher     transport.Fetcher
	headers     map[string]string
	logger      *slog.Logger
	manifestLRU *cache.ManifestCache
	snap        *snapshot.Snapshot
	basePath    string
}

// Open resolves opts into a snapshot id, fetches and decodes it, and
// returns a ready Store rooted at rootURL.
func Open(ctx context.Context, rootURL string, fetcher transport.Fetcher, cfg *config.Config, opts Options) (*Store, error) {
	ctx, span := tracer.Start(ctx, "store.Open", trace.WithAttributes(attribute.String("icechunk.root", rootURL)))
	defer span.End()

	if cfg == nil {
		cfg = &config.Config{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "Store")

	fail := func(err error) (*Store, error) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	root := urlutil.NormaliseRoot(rootURL)
	branch := opts.Ref
	if branch == "" {
		branch = cfg.Ref.DefaultBranch
	}

	snapID, err := refs.Resolve(ctx, fetcher, root, refs.Spec{
		Snapshot: opts.Snapshot,
		Tag:      opts.Tag,
		Branch:   branch,
	}, opts.Headers)
	if err != nil {
		return fail(err)
	}

	data, err := fetcher.Fetch(ctx, urlutil.SnapshotURL(root, snapID), transport.FetchOptions{Headers: opts.Headers})
	if err != nil {
		return fail(err)
	}
	decoded, err := envelope.Parse(data, envelope.FileTypeSnapshot)
	if err != nil {
		return fail(err)
	}
	snap, err := snapshot.Decode(decoded.Payload)
	if err != nil {
		return fail(err)
	}

	capacity := cfg.Cache.ManifestCapacity
	if capacity == 0 {
		capacity = cache.DefaultManifestCacheCapacity
	}

	logger.Info("opened store", "root", root, "snapshot", snapID, "nodes", len(snap.Nodes))

	return &Store{
		root:        root,
		fetcher:     fetcher,
		headers:     opts.Headers,
		logger:      logger,
		manifestLRU: cache.NewManifestCache(capacity),
		snap:        snap,
	}, nil
}

// Resolve returns a new view sharing this Store's snapshot, backend,
// and manifest cache, whose basePath is prepended to every Get key
// (spec §4.7). basePath is canonicalised by collapsing slash runs and
// stripping leading/trailing slashes.
func (s *Store) Resolve(subpath string) *Store {
	combined := strings.Trim(s.basePath+"/"+strings.Trim(subpath, "/"), "/")
	return &Store{
		root:        s.root,
		fetcher:     s.fetcher,
		headers:     s.headers,
		logger:      s.logger,
		manifestLRU: s.manifestLRU,
		snap:        s.snap,
		basePath:    collapseSlashes(combined),
	}
}

func collapseSlashes(p string) string {
	for strings.Contains(p, "//") {
		p = strings.ReplaceAll(p, "//", "/")
	}
	return strings.Trim(p, "/")
}

// GetSnapshot returns the snapshot this Store was opened against.
func (s *Store) GetSnapshot() *snapshot.Snapshot { return s.snap }

// ManifestCache exposes the manifest LRU this Store reads through, for
// callers that want to publish its hit-rate or size alongside other
// process metrics (spec SPEC_FULL.md §4.11).
func (s *Store) ManifestCache() *cache.ManifestCache { return s.manifestLRU }

// ListNodes returns every node in the snapshot.
func (s *Store) ListNodes() []snapshot.Node { return s.snap.Nodes }

// ListChildren returns the set of first path segments of nodes strictly
// under path (relative to this Store's basePath).
func (s *Store) ListChildren(path string) []string {
	prefix := s.joinBase(path)
	seen := map[string]struct{}{}
	var out []string
	for _, n := range s.snap.Nodes {
		rel := n.Path
		if prefix != "" {
			if !strings.HasPrefix(rel, prefix+"/") {
				continue
			}
			rel = strings.TrimPrefix(rel, prefix+"/")
		} else if rel == "" {
			continue
		}
		if rel == "" {
			continue
		}
		segment := rel
		if idx := strings.Index(rel, "/"); idx >= 0 {
			segment = rel[:idx]
		}
		if _, ok := seen[segment]; !ok {
			seen[segment] = struct{}{}
			out = append(out, segment)
		}
	}
	return out
}

func (s *Store) joinBase(path string) string {
	path = snapshot.NormalisePath(path)
	if s.basePath == "" {
		return path
	}
	if path == "" {
		return s.basePath
	}
	return s.basePath + "/" + path
}

// parsedKey is the result of the Zarr key grammar parse (spec §4.7).
type parsedKey struct {
	prefix string
	isMeta bool
	coords []uint32 // valid only when !isMeta
}

// parseKey recognises "zarr.json", "{prefix}/zarr.json", and
// "{prefix}/c/{i0}/{i1}/...". Anything else is treated as metadata that
// may simply miss. Non-numeric chunk coordinate tokens are a
// BadKeyError.
func parseKey(key string) (parsedKey, error) {
	key = strings.Trim(key, "/")
	if key == "zarr.json" {
		return parsedKey{isMeta: true}, nil
	}
	if strings.HasSuffix(key, "/zarr.json") {
		return parsedKey{prefix: strings.TrimSuffix(key, "/zarr.json"), isMeta: true}, nil
	}

	var prefix, coordPart string
	switch {
	case key == "c" || strings.HasPrefix(key, "c/"):
		coordPart = strings.TrimPrefix(strings.TrimPrefix(key, "c"), "/")
	case strings.Contains(key, "/c/"):
		idx := strings.LastIndex(key, "/c/")
		prefix, coordPart = key[:idx], key[idx+len("/c/"):]
	case strings.HasSuffix(key, "/c"):
		prefix, coordPart = strings.TrimSuffix(key, "/c"), ""
	default:
		return parsedKey{prefix: key, isMeta: true}, nil
	}

	coords, err := parseCoords(coordPart)
	if err != nil {
		return parsedKey{}, err
	}
	return parsedKey{prefix: prefix, coords: coords}, nil
}

func parseCoords(rest string) ([]uint32, error) {
	if rest == "" {
		return []uint32{}, nil
	}
	tokens := strings.Split(rest, "/")
	coords := make([]uint32, len(tokens))
	for i, tok := range tokens {
		v, err := strconv.ParseUint(tok, 10, 32)
		if err != nil {
			return nil, &core.BadKeyError{Key: rest, Message: "non-numeric chunk coordinate: " + tok}
		}
		coords[i] = uint32(v)
	}
	return coords, nil
}

// Get parses key, dispatches to metadata synthesis or the chunk fetch
// pipeline, and returns the resulting bytes. A missing node/manifest/
// chunk is reported as (nil, nil) — absence is not an error (spec §7).
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	if s.snap == nil {
		return nil, core.ErrNotInitialised
	}
	ctx, span := tracer.Start(ctx, "store.Get", trace.WithAttributes(attribute.String("icechunk.key", key)))
	defer span.End()

	parsed, err := parseKey(key)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	nodePath := s.joinBase(parsed.prefix)

	var data []byte
	if parsed.isMeta {
		data, err = s.getMetadata(nodePath)
	} else {
		data, err = s.getChunk(ctx, nodePath, parsed.coords)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return data, err
}

func (s *Store) getMetadata(nodePath string) ([]byte, error) {
	node, ok := snapshot.FindNode(s.snap, nodePath)
	if !ok {
		return nil, nil
	}
	return encodeZarrJSON(node)
}

func (s *Store) getChunk(ctx context.Context, nodePath string, coords []uint32) ([]byte, error) {
	node, ok := snapshot.FindNode(s.snap, nodePath)
	if !ok || node.Kind != snapshot.NodeKindArray || node.Array == nil {
		return nil, nil
	}

	var ref *snapshot.ManifestRef
	for i := range node.Array.Manifests {
		if snapshot.IsChunkInExtent(coords, node.Array.Manifests[i].Extents) {
			ref = &node.Array.Manifests[i]
			break
		}
	}
	if ref == nil {
		s.logger.Debug("chunk coordinates outside every manifest extent", "path", nodePath, "coords", coords)
		return nil, nil
	}

	m, err := s.fetchManifest(ctx, ref.ID)
	if err != nil {
		return nil, err
	}

	chunks, ok := m.Chunks[node.ID]
	if !ok {
		return nil, nil
	}
	payload, ok := chunks[manifest.CoordKey(coords)]
	if !ok {
		return nil, nil
	}

	return s.readPayload(ctx, payload)
}

func (s *Store) fetchManifest(ctx context.Context, id objectid.ObjectId12) (*manifest.Manifest, error) {
	idStr := id.String()
	ctx, span := tracer.Start(ctx, "store.fetchManifest", trace.WithAttributes(attribute.String("icechunk.manifest_id", idStr)))
	defer span.End()

	m, err := s.manifestLRU.GetOrFetch(ctx, idStr, func(ctx context.Context) (*manifest.Manifest, error) {
		data, err := s.fetcher.Fetch(ctx, urlutil.ManifestURL(s.root, idStr), transport.FetchOptions{Headers: s.headers})
		if err != nil {
			return nil, err
		}
		decoded, err := envelope.Parse(data, envelope.FileTypeManifest)
		if err != nil {
			return nil, err
		}
		return manifest.Decode(decoded.Payload)
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return m, err
}

func (s *Store) readPayload(ctx context.Context, payload manifest.ChunkPayload) ([]byte, error) {
	switch payload.Mode {
	case manifest.StorageInline:
		return payload.Data, nil
	case manifest.StorageNative:
		url := urlutil.ChunkURL(s.root, payload.ChunkID.String())
		return s.fetcher.FetchRange(ctx, url, transport.RangeOptions{
			FetchOptions: transport.FetchOptions{Headers: s.headers},
			Offset:       payload.Offset,
			Length:       payload.Length,
		})
	case manifest.StorageVirtual:
		url, err := urlutil.TranslateURL(payload.Location)
		if err != nil {
			return nil, err
		}
		return s.fetcher.FetchRange(ctx, url, transport.RangeOptions{
			FetchOptions: transport.FetchOptions{Headers: s.headers},
			Offset:       payload.Offset,
			Length:       payload.Length,
		})
	default:
		return nil, fmt.Errorf("icechunk: chunk payload has no recognised storage mode")
	}
}

// zarrV3Doc is the subset of a Zarr v3 array/group metadata document
// this client ever needs to synthesise or pass through.
type zarrV3Doc struct {
	ZarrFormat  int            `json:"zarr_format"`
	NodeType    string         `json:"node_type"`
	Shape       []uint64       `json:"shape,omitempty"`
	ChunkGrid   map[string]any `json:"chunk_grid,omitempty"`
	DataType    any            `json:"data_type,omitempty"`
	ChunkKeyEnc map[string]any `json:"chunk_key_encoding,omitempty"`
	FillValue   any            `json:"fill_value,omitempty"`
	Codecs      any            `json:"codecs,omitempty"`
	DimNames    []string       `json:"dimension_names,omitempty"`
	Attributes  map[string]any `json:"attributes"`
}

// encodeZarrJSON synthesises a node's zarr.json per spec §4.7. Group
// nodes always get a fresh document; array nodes pass userAttributes
// through verbatim when it already looks like a v2 or v3 Zarr document,
// otherwise a v3 document is synthesised from the decoded array data.
func encodeZarrJSON(node *snapshot.Node) ([]byte, error) {
	if node.Kind == snapshot.NodeKindGroup {
		doc := map[string]any{
			"zarr_format": 3,
			"node_type":   "group",
			"attributes":  node.UserAttributes,
		}
		return json.Marshal(doc)
	}

	if zf, ok := node.UserAttributes["zarr_format"]; ok {
		if isZarrFormatVersion(zf, 2) || isZarrFormatVersion(zf, 3) {
			return json.Marshal(node.UserAttributes)
		}
	}

	if node.Array == nil {
		return nil, errors.New("icechunk: array node missing decoded array data")
	}
	return json.Marshal(synthesiseArrayDoc(node.Array, node.UserAttributes))
}

func isZarrFormatVersion(v any, want int) bool {
	switch n := v.(type) {
	case float64:
		return int(n) == want
	case int:
		return n == want
	}
	return false
}

// synthesiseArrayDoc builds a v3 zarr.json for an array node whose
// userAttributes don't already carry a full v2/v3 document. shape and
// chunk-shape come from the decoded binary table; dataType, fillValue,
// codecs and chunkKeyEncoding have no binary representation (spec §3)
// and are lifted from userAttrs instead.
func synthesiseArrayDoc(a *snapshot.ArrayData, userAttrs map[string]any) zarrV3Doc {
	doc := zarrV3Doc{
		ZarrFormat: 3,
		NodeType:   "array",
		Shape:      a.Shape,
		ChunkGrid: map[string]any{
			"name":          "regular",
			"configuration": map[string]any{"chunk_shape": a.ChunkShape},
		},
		ChunkKeyEnc: chunkKeyEncodingDoc(userAttrs["chunk_key_encoding"]),
		DimNames:    a.DimensionNames,
		Attributes:  map[string]any{},
	}
	if dt, ok := userAttrs["data_type"]; ok {
		doc.DataType = dt
	}
	if fv, ok := userAttrs["fill_value"]; ok {
		doc.FillValue = fv
	}
	if codecs, ok := userAttrs["codecs"]; ok {
		doc.Codecs = codecs
	}
	return doc
}

// chunkKeyEncodingDoc maps the spec's internal chunk-key encoding enum
// (slash, dot), lifted from userAttrs["chunk_key_encoding"], to its
// Zarr v3 JSON form: slash→"default"/"/", dot→"v2"/".". Anything absent
// or unrecognised defaults to the slash encoding.
func chunkKeyEncodingDoc(v any) map[string]any {
	if s, ok := v.(string); ok && strings.EqualFold(s, "dot") {
		return map[string]any{
			"name":          "v2",
			"configuration": map[string]any{"separator": "."},
		}
	}
	return map[string]any{
		"name":          "default",
		"configuration": map[string]any{"separator": "/"},
	}
}
