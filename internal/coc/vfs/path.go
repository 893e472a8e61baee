package vfs

import (
	"strings"

	heikeErrors "github.com/harunnryd/heike/internal/errors"
)

// VirtualPath is a sequence of non-empty segments with no "." or ".."
// segments and no leading "/" (spec §3). It round-trips through String/Parse.
type VirtualPath struct {
	segments []string
}

// ParsePath validates and parses a path string into a VirtualPath.
// maxSegmentLen bounds each segment's length, maxPathLen bounds the
// rendered path's total length (the "platform-safe bound" from spec §3).
func ParsePath(raw string, maxSegmentLen, maxPathLen int) (VirtualPath, error) {
	if len(raw) == 0 {
		return VirtualPath{}, heikeErrors.PathInvalid("empty path")
	}
	if strings.HasPrefix(raw, "/") {
		return VirtualPath{}, heikeErrors.PathInvalid("path must not have a leading slash")
	}
	if maxPathLen > 0 && len(raw) > maxPathLen {
		return VirtualPath{}, heikeErrors.PathInvalid("path exceeds max length")
	}

	parts := strings.Split(raw, "/")
	segments := make([]string, 0, len(parts))
	for _, p := range parts {
		if p == "" {
			return VirtualPath{}, heikeErrors.PathInvalid("path contains an empty segment")
		}
		if p == "." || p == ".." {
			return VirtualPath{}, heikeErrors.PathInvalid("path contains a . or .. segment")
		}
		if maxSegmentLen > 0 && len(p) > maxSegmentLen {
			return VirtualPath{}, heikeErrors.PathInvalid("path segment exceeds max length")
		}
		if strings.ContainsAny(p, "\x00") {
			return VirtualPath{}, heikeErrors.PathInvalid("path segment contains a NUL byte")
		}
		segments = append(segments, p)
	}
	return VirtualPath{segments: segments}, nil
}

// MustParsePath panics on invalid input; used for compile-time-known paths
// in tests and internal call sites.
func MustParsePath(raw string) VirtualPath {
	p, err := ParsePath(raw, 0, 0)
	if err != nil {
		panic(err)
	}
	return p
}

// String renders the VirtualPath back to its canonical form. Parsing the
// result reproduces an equal VirtualPath (round-trip invariant, spec §8).
func (p VirtualPath) String() string {
	return strings.Join(p.segments, "/")
}

func (p VirtualPath) Segments() []string {
	out := make([]string, len(p.segments))
	copy(out, p.segments)
	return out
}

func (p VirtualPath) IsZero() bool {
	return len(p.segments) == 0
}

func (p VirtualPath) Equal(other VirtualPath) bool {
	if len(p.segments) != len(other.segments) {
		return false
	}
	for i := range p.segments {
		if p.segments[i] != other.segments[i] {
			return false
		}
	}
	return true
}

// Dir returns the parent directory path, or the zero VirtualPath at the root.
func (p VirtualPath) Dir() VirtualPath {
	if len(p.segments) <= 1 {
		return VirtualPath{}
	}
	return VirtualPath{segments: p.segments[:len(p.segments)-1]}
}

// HasPrefix reports whether p is equal to or nested under prefix.
func (p VirtualPath) HasPrefix(prefix VirtualPath) bool {
	if len(prefix.segments) > len(p.segments) {
		return false
	}
	for i, s := range prefix.segments {
		if p.segments[i] != s {
			return false
		}
	}
	return true
}
