package storage

import (
	"fmt"
	"net/url"
	"path"
	"strings"

	"github.com/absfs/docsafe/errs"
)

// Uri addresses a resource. A Uri with a scheme is absolute, otherwise it is
// a relative logical path.
type Uri struct {
	u *url.URL
}

// ParseUri parses raw into a Uri.
func ParseUri(raw string) (Uri, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return Uri{}, &errs.ValidationError{Field: "uri", Value: raw, Message: "malformed uri", Err: err}
	}
	return Uri{u: u}, nil
}

// MustParseUri is ParseUri for constants; it panics on malformed input.
func MustParseUri(raw string) Uri {
	u, err := ParseUri(raw)
	if err != nil {
		panic(err)
	}
	return u
}

// RelativeUri builds a relative Uri from a slash-separated logical path after
// validating it cannot escape the root it is later resolved against.
func RelativeUri(p string) (Uri, error) {
	clean, err := CleanRelative(p)
	if err != nil {
		return Uri{}, err
	}
	return Uri{u: &url.URL{Path: clean}}, nil
}

// CleanRelative normalizes a logical path. Leading "/" and "./" are dropped,
// and a trailing "/" is kept so directory-like prefixes stay distinguishable.
// Parent references are rejected.
func CleanRelative(p string) (string, error) {
	trimmed := strings.TrimLeft(p, "/")
	for _, seg := range strings.Split(trimmed, "/") {
		if seg == ".." {
			return "", &errs.ValidationError{Field: "path", Value: p, Message: "parent references are not allowed"}
		}
	}
	dir := strings.HasSuffix(trimmed, "/")
	clean := path.Clean("/" + trimmed)[1:]
	if clean == "" {
		return "", nil
	}
	if dir {
		clean += "/"
	}
	return clean, nil
}

// IsAbsolute reports whether u carries a scheme.
func (u Uri) IsAbsolute() bool {
	return u.u != nil && u.u.Scheme != ""
}

// IsEmpty reports whether u addresses nothing.
func (u Uri) IsEmpty() bool {
	return u.u == nil || (u.u.Scheme == "" && u.u.Host == "" && u.u.Path == "")
}

// Scheme returns the Uri scheme, e.g. "file" or "s3".
func (u Uri) Scheme() string {
	if u.u == nil {
		return ""
	}
	return u.u.Scheme
}

// Host returns the authority, which names the bucket for s3 Uris.
func (u Uri) Host() string {
	if u.u == nil {
		return ""
	}
	return u.u.Host
}

// Path returns the decoded path component.
func (u Uri) Path() string {
	if u.u == nil {
		return ""
	}
	return u.u.Path
}

// IsDir reports whether the path ends with a separator.
func (u Uri) IsDir() bool {
	return strings.HasSuffix(u.Path(), "/")
}

// AsDir returns u with a trailing separator.
func (u Uri) AsDir() Uri {
	if u.u == nil || u.IsDir() {
		return u
	}
	c := *u.u
	c.Path += "/"
	return Uri{u: &c}
}

func (u Uri) String() string {
	if u.u == nil {
		return ""
	}
	return u.u.String()
}

// Resolve joins a relative Uri onto u treating u as a directory. Resolving an
// absolute Uri returns it unchanged.
func (u Uri) Resolve(rel Uri) Uri {
	if rel.IsAbsolute() || u.u == nil {
		return rel
	}
	c := *u.AsDir().u
	c.Path += strings.TrimLeft(rel.Path(), "/")
	c.RawPath = ""
	return Uri{u: &c}
}

// Relativize returns the path of child below u, or false when child is not
// located under u.
func (u Uri) Relativize(child Uri) (string, bool) {
	if u.Scheme() != child.Scheme() || u.Host() != child.Host() {
		return "", false
	}
	base := u.AsDir().Path()
	p := child.Path()
	if !strings.HasPrefix(p, base) {
		return "", false
	}
	return p[len(base):], true
}

// AbsoluteLocation is a backend-resolved location. Backends only accept
// absolute locations; the zero value is invalid.
type AbsoluteLocation struct {
	uri Uri
}

// NewAbsoluteLocation wraps an absolute Uri.
func NewAbsoluteLocation(u Uri) (AbsoluteLocation, error) {
	if !u.IsAbsolute() {
		return AbsoluteLocation{}, &errs.ValidationError{Field: "location", Value: u.String(), Message: "location must be absolute"}
	}
	for _, seg := range strings.Split(u.Path(), "/") {
		if seg == ".." {
			return AbsoluteLocation{}, &errs.ValidationError{Field: "location", Value: u.String(), Message: "parent references are not allowed"}
		}
	}
	return AbsoluteLocation{uri: u}, nil
}

// ParseAbsoluteLocation parses raw and requires it to be absolute.
func ParseAbsoluteLocation(raw string) (AbsoluteLocation, error) {
	u, err := ParseUri(raw)
	if err != nil {
		return AbsoluteLocation{}, err
	}
	return NewAbsoluteLocation(u)
}

// Uri returns the underlying Uri.
func (l AbsoluteLocation) Uri() Uri {
	return l.uri
}

// IsZero reports whether l is the zero location.
func (l AbsoluteLocation) IsZero() bool {
	return l.uri.u == nil
}

func (l AbsoluteLocation) String() string {
	return l.uri.String()
}

// Resolve joins a logical path under l. The path is validated first, so the
// result is always contained in l.
func (l AbsoluteLocation) Resolve(rel string) (AbsoluteLocation, error) {
	r, err := RelativeUri(rel)
	if err != nil {
		return AbsoluteLocation{}, err
	}
	return AbsoluteLocation{uri: l.uri.Resolve(r)}, nil
}

// Dir returns l with a trailing separator.
func (l AbsoluteLocation) Dir() AbsoluteLocation {
	return AbsoluteLocation{uri: l.uri.AsDir()}
}

// Contains reports whether other lies under l (or equals it).
func (l AbsoluteLocation) Contains(other AbsoluteLocation) bool {
	if l.uri.Scheme() != other.uri.Scheme() || l.uri.Host() != other.uri.Host() {
		return false
	}
	base, p := l.uri.Path(), other.uri.Path()
	if p == base || p+"/" == base {
		return true
	}
	return strings.HasPrefix(p, l.uri.AsDir().Path())
}

// Rel returns the logical path of other below l.
func (l AbsoluteLocation) Rel(other AbsoluteLocation) (string, error) {
	rel, ok := l.uri.Relativize(other.uri)
	if !ok {
		return "", fmt.Errorf("%s is not located under %s", other, l)
	}
	return rel, nil
}
