// Package target normalizes hyperlink hrefs into navigation targets: the
// origin-relative path plus query used as the identity key for caching and
// for "same destination" comparisons.
package target

import (
	"fmt"
	"net/url"
	"strings"
)

// Target is a normalized, origin-relative address. Fragment is kept only for
// scroll restoration and never takes part in identity.
type Target struct {
	Path     string
	RawQuery string
	Fragment string
}

// Key returns the cache and history identity: path plus query.
func (t Target) Key() string {
	if t.RawQuery == "" {
		return t.Path
	}
	return t.Path + "?" + t.RawQuery
}

// String is the key with the fragment appended, as written to history.
func (t Target) String() string {
	if t.Fragment == "" {
		return t.Key()
	}
	return t.Key() + "#" + t.Fragment
}

// WithoutFragment drops the fragment portion.
func (t Target) WithoutFragment() Target {
	t.Fragment = ""
	return t
}

// Same reports whether both targets name the same destination.
func (t Target) Same(o Target) bool {
	return t.Key() == o.Key()
}

// URL resolves the target against base's origin.
func (t Target) URL(base *url.URL) *url.URL {
	u, err := url.Parse(t.String())
	if err != nil {
		u = &url.URL{Path: t.Path, RawQuery: t.RawQuery, Fragment: t.Fragment}
	}
	u.Scheme = base.Scheme
	u.Host = base.Host
	return u
}

// Normalize resolves href against base and reduces it to a Target.
func Normalize(base *url.URL, href string) (Target, error) {
	if base == nil {
		return Target{}, fmt.Errorf("normalize %q: nil base URL", href)
	}
	ref, err := url.Parse(strings.TrimSpace(href))
	if err != nil {
		return Target{}, fmt.Errorf("normalize %q: %w", href, err)
	}
	u := base.ResolveReference(ref)

	path := u.EscapedPath()
	if path == "" {
		path = "/"
	}

	return Target{Path: path, RawQuery: u.RawQuery, Fragment: u.Fragment}, nil
}

// MustParse normalizes an origin-relative href against "/" and panics on
// error. Intended for tests and constants.
func MustParse(href string) Target {
	t, err := Normalize(&url.URL{Scheme: "http", Host: "localhost", Path: "/"}, href)
	if err != nil {
		panic(err)
	}
	return t
}

// IsExternal reports whether href leaves base's origin. Unparseable hrefs and
// non-http schemes count as external so the browser keeps handling them.
func IsExternal(base *url.URL, href string) bool {
	if base == nil {
		return true
	}
	ref, err := url.Parse(strings.TrimSpace(href))
	if err != nil {
		return true
	}
	u := base.ResolveReference(ref)
	if u.Scheme != "http" && u.Scheme != "https" {
		return true
	}
	return u.Scheme != base.Scheme || !strings.EqualFold(u.Host, base.Host)
}

// IsActive reports whether a link whose path is linkPath should be marked
// active while currentPath is displayed. "/" is only active on "/".
func IsActive(currentPath, linkPath string) bool {
	if currentPath == "" {
		currentPath = "/"
	}
	if linkPath == "" {
		return false
	}
	if currentPath == linkPath {
		return true
	}
	if linkPath == "/" {
		return false
	}
	return strings.HasPrefix(currentPath, strings.TrimSuffix(linkPath, "/")+"/")
}
