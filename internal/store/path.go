package store

import (
	"fmt"
	"strings"
)

// forbidden characters in a path segment.
const forbidden = ".#$[]"

// Split validates p and returns its segments. The root path is "".
func Split(p string) ([]string, error) {
	p = strings.Trim(p, "/")
	if p == "" {
		return nil, nil
	}
	segs := strings.Split(p, "/")
	for _, s := range segs {
		if err := validKey(s); err != nil {
			return nil, fmt.Errorf("%w: %q", err, p)
		}
	}
	return segs, nil
}

// Clean returns p in canonical form (no leading or trailing slashes).
func Clean(p string) (string, error) {
	segs, err := Split(p)
	if err != nil {
		return "", err
	}
	return strings.Join(segs, "/"), nil
}

// Join concatenates path segments, skipping empty ones.
func Join(parts ...string) string {
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.Trim(p, "/"); p != "" {
			out = append(out, p)
		}
	}
	return strings.Join(out, "/")
}

// Base returns the last segment of p.
func Base(p string) string {
	p = strings.Trim(p, "/")
	if i := strings.LastIndexByte(p, '/'); i >= 0 {
		return p[i+1:]
	}
	return p
}

func validKey(k string) error {
	if k == "" || strings.ContainsAny(k, forbidden) {
		return ErrInvalidPath
	}
	return nil
}

// overlaps reports whether a change at one path can affect a snapshot of the other.
func overlaps(a, b string) bool {
	switch {
	case a == b, a == "", b == "":
		return true
	case strings.HasPrefix(b, a+"/"), strings.HasPrefix(a, b+"/"):
		return true
	}
	return false
}
