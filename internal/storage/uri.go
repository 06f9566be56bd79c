package storage

import (
	"fmt"
	"path"
	"strings"

	"github.com/ccomkhj/datumaro-gui/internal/errhandling"
)

// Scheme is the only supported remote URI scheme.
const Scheme = "s3://"

// URI is a parsed s3://bucket/prefix location.
type URI struct {
	Bucket string
	// Prefix has no leading or trailing slash. Empty means the bucket root.
	Prefix string
}

// ParseURI parses "s3://bucket/prefix". The scheme may be omitted.
func ParseURI(raw string) (URI, error) {
	s := strings.TrimSpace(raw)
	s = strings.TrimPrefix(s, Scheme)
	if s == "" {
		return URI{}, errhandling.NewConfigError(fmt.Sprintf("invalid storage uri %q: missing bucket", raw), nil)
	}
	bucket, prefix, _ := strings.Cut(s, "/")
	if bucket == "" {
		return URI{}, errhandling.NewConfigError(fmt.Sprintf("invalid storage uri %q: missing bucket", raw), nil)
	}
	if strings.Contains(bucket, ":") {
		return URI{}, errhandling.NewConfigError(fmt.Sprintf("invalid storage uri %q: unsupported scheme", raw), nil)
	}
	return URI{Bucket: bucket, Prefix: strings.Trim(prefix, "/")}, nil
}

// Key returns the object key for a slash-separated relative path.
func (u URI) Key(rel string) string {
	if u.Prefix == "" {
		return rel
	}
	return path.Join(u.Prefix, rel)
}

// ListPrefix is the prefix used to list objects under u. It ends with "/"
// unless it is empty, so "data" never matches "database/...".
func (u URI) ListPrefix() string {
	if u.Prefix == "" {
		return ""
	}
	return u.Prefix + "/"
}

func (u URI) String() string {
	if u.Prefix == "" {
		return Scheme + u.Bucket
	}
	return Scheme + u.Bucket + "/" + u.Prefix
}
