package version

import (
	"net/url"
	"path"
	"regexp"
	"strconv"
	"strings"
)

// Kind enumerates the sources a version can be resolved from.
type Kind int

const (
	// KindCurrent addresses the live working copy.
	KindCurrent Kind = iota
	// KindSnapshot addresses a timestamped backup archive.
	KindSnapshot
	// KindRevision addresses anything git can resolve: a hash, branch, tag or revision expression.
	KindRevision
)

// WorkingCopyToken is the path token clients use for the working copy.
const WorkingCopyToken = "WORK"

// SnapshotPattern matches the timestamp KiCad embeds in backup archive names.
var SnapshotPattern = regexp.MustCompile(`\d{4}-\d{2}-\d{2}_\d{6}`)

var snapshotExact = regexp.MustCompile(`^` + SnapshotPattern.String() + `$`)

// String returns a readable name for the kind.
func (k Kind) String() string {
	switch k {
	case KindCurrent:
		return "current"
	case KindSnapshot:
		return "snapshot"
	case KindRevision:
		return "revision"
	default:
		return "unknown"
	}
}

// Version is a classified version identifier. The zero value is the working copy.
type Version struct {
	kind Kind
	id   string
}

// Current returns the working-copy version.
func Current() Version {
	return Version{kind: KindCurrent}
}

// Parse classifies a raw identifier. An empty string is the working copy, a
// string that is exactly a snapshot timestamp is a snapshot, anything else is
// handed to the revision backend.
func Parse(raw string) Version {
	if raw == "" {
		return Current()
	}
	if IsSnapshotID(raw) {
		return Version{kind: KindSnapshot, id: raw}
	}
	return Version{kind: KindRevision, id: raw}
}

// FromPathToken classifies an identifier taken from a request path, where
// WorkingCopyToken stands for the working copy.
func FromPathToken(token string) Version {
	if token == WorkingCopyToken {
		return Current()
	}
	return Parse(token)
}

// IsSnapshotID reports whether raw is a well-formed snapshot timestamp.
func IsSnapshotID(raw string) bool {
	return snapshotExact.MatchString(raw)
}

// Kind returns the version kind.
func (v Version) Kind() Kind {
	return v.kind
}

// ID returns the snapshot id or revision ref; empty for the working copy.
func (v Version) ID() string {
	return v.id
}

// String renders the version the way a client would address it.
func (v Version) String() string {
	if v.kind == KindCurrent {
		return WorkingCopyToken
	}
	return v.id
}

// CacheDir returns the workspace-relative directory holding entries for this
// version. generation distinguishes successive working-copy states and is
// ignored for the other kinds.
func (v Version) CacheDir(generation uint64) string {
	switch v.kind {
	case KindSnapshot:
		return path.Join("snapshot", v.id)
	case KindRevision:
		return path.Join("rev", escapeRef(v.id))
	default:
		return path.Join("work", strconv.FormatUint(generation, 10))
	}
}

// escapeRef maps a revision ref onto a single, injective path segment.
func escapeRef(ref string) string {
	escaped := url.PathEscape(ref)
	escaped = strings.ReplaceAll(escaped, ".", "%2E")
	return strings.ReplaceAll(escaped, "/", "%2F")
}
