// Package refs resolves a ref specification (an explicit snapshot id, a
// tag name, or a branch name defaulting to "main") into a concrete
// snapshot id, per spec §4.5.
//
// Grounded on the teacher's config-loading pattern of parsing a small,
// strictly-shaped JSON/YAML document and rejecting anything beyond what
// it names (config/config.go's decode-then-validate shape), adapted
// here from YAML to the ref.json documents the backing store serves.
package refs

import (
	"context"
	"encoding/json"

	"github.com/icechunk-go/icechunk/core"
	"github.com/icechunk-go/icechunk/objectid"
	"github.com/icechunk-go/icechunk/transport"
	"github.com/icechunk-go/icechunk/urlutil"
)

// Spec names exactly one way to pick a snapshot: an explicit id, a tag,
// or a branch (defaulting to "main" when nothing is given).
type Spec struct {
	Snapshot string
	Tag      string
	Branch   string
}

// Resolve turns a Spec into a validated snapshot id, fetching and
// parsing a ref.json document over fetcher when Spec names a tag or
// branch rather than an explicit snapshot.
func Resolve(ctx context.Context, fetcher transport.Fetcher, root string, spec Spec, headers map[string]string) (string, error) {
	if spec.Snapshot != "" {
		if !objectid.IsValidSnapshotID(spec.Snapshot) {
			return "", core.NewFormatError(core.FormatID, "explicit snapshot id is not a valid Crockford Base32 id: "+spec.Snapshot)
		}
		return spec.Snapshot, nil
	}

	var refURL string
	switch {
	case spec.Tag != "":
		refURL = urlutil.TagRefURL(root, spec.Tag)
	default:
		branch := spec.Branch
		if branch == "" {
			branch = "main"
		}
		refURL = urlutil.BranchRefURL(root, branch)
	}

	data, err := fetcher.Fetch(ctx, refURL, transport.FetchOptions{Headers: headers})
	if err != nil {
		return "", err
	}
	return parseRefDocument(data)
}

// parseRefDocument validates that data is a JSON object whose sole key
// is "snapshot", with a value matching the snapshot-id regex. Any extra
// property, wrong type, or malformed id is a FormatError(ref).
func parseRefDocument(data []byte) (string, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return "", core.NewFormatError(core.FormatRef, "ref document is not a JSON object: "+err.Error())
	}
	if len(raw) != 1 {
		return "", core.NewFormatError(core.FormatRef, "ref document must have exactly one property")
	}
	rawSnapshot, ok := raw["snapshot"]
	if !ok {
		return "", core.NewFormatError(core.FormatRef, `ref document's sole property must be "snapshot"`)
	}
	var snapshot string
	if err := json.Unmarshal(rawSnapshot, &snapshot); err != nil {
		return "", core.NewFormatError(core.FormatRef, "ref document's snapshot value must be a string")
	}
	if !objectid.IsValidSnapshotID(snapshot) {
		return "", core.NewFormatError(core.FormatRef, "ref document names an invalid snapshot id: "+snapshot)
	}
	return snapshot, nil
}
