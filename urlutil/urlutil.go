// Package urlutil composes the backend paths Icechunk's read path needs
// (snapshots, manifests, chunks, refs) and translates virtual chunk
// locations written as cloud storage URIs into plain https URLs a
// transport.Fetcher can GET.
//
// Grounded on the teacher's path-joining helpers scattered through
// sstable/format.go (which builds on-disk file names from a base dir and
// an id) — the same "one root, several deterministic suffixes" shape,
// generalised here to URLs instead of filesystem paths.
package urlutil

import (
	"strings"

	"github.com/icechunk-go/icechunk/core"
)

const defaultS3Region = "us-east-1"

// NormaliseRoot ensures root ends with exactly one trailing slash (spec
// §4.8).
func NormaliseRoot(root string) string {
	return strings.TrimRight(root, "/") + "/"
}

// SnapshotURL, ManifestURL, ChunkURL compose object paths under root.
// root must already be normalised.
func SnapshotURL(root string, id string) string { return root + "snapshots/" + id }
func ManifestURL(root string, id string) string  { return root + "manifests/" + id }
func ChunkURL(root string, id string) string     { return root + "chunks/" + id }

// BranchRefURL and TagRefURL compose ref.json object paths.
func BranchRefURL(root string, name string) string { return root + "refs/branch." + name + "/ref.json" }
func TagRefURL(root string, name string) string    { return root + "refs/tag." + name + "/ref.json" }

// TranslateURL rewrites a virtual chunk location to an https URL the
// transport layer can fetch, applying the gs:// and s3:// scheme
// rewrites of spec §4.8. URLs already using http(s) pass through
// unchanged. Any other scheme is a FormatError: a virtual chunk can only
// ever point at one of these three.
func TranslateURL(location string) (string, error) {
	switch {
	case strings.HasPrefix(location, "http://"), strings.HasPrefix(location, "https://"):
		return location, nil
	case strings.HasPrefix(location, "gs://"):
		return TranslateGcsURL(location)
	case strings.HasPrefix(location, "s3://"):
		return TranslateS3URL(location, defaultS3Region)
	default:
		return "", core.NewFormatError(core.FormatRef, "unsupported virtual chunk location scheme: "+location)
	}
}

// TranslateGcsURL rewrites gs://bucket/key... to
// https://storage.googleapis.com/bucket/key....
func TranslateGcsURL(location string) (string, error) {
	bucket, key, err := splitBucketKey(location, "gs://")
	if err != nil {
		return "", err
	}
	return "https://storage.googleapis.com/" + bucket + "/" + key, nil
}

// TranslateS3URL rewrites s3://bucket/key... to
// https://bucket.s3.{region}.amazonaws.com/key..., defaulting region to
// us-east-1 when empty.
func TranslateS3URL(location string, region string) (string, error) {
	bucket, key, err := splitBucketKey(location, "s3://")
	if err != nil {
		return "", err
	}
	if region == "" {
		region = defaultS3Region
	}
	return "https://" + bucket + ".s3." + region + ".amazonaws.com/" + key, nil
}

func splitBucketKey(location string, scheme string) (bucket string, key string, err error) {
	rest := strings.TrimPrefix(location, scheme)
	idx := strings.Index(rest, "/")
	if idx <= 0 {
		return "", "", core.NewFormatError(core.FormatRef, "virtual chunk location missing bucket/key: "+location)
	}
	return rest[:idx], rest[idx+1:], nil
}
