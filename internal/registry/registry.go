// Package registry implements the bucket registry: S3 bucket-name
// sanitization and the authoritative set of configured buckets. Buckets are
// declared in the configuration at startup and never created through the
// API, so the registry fails closed for any name it does not know.
package registry

import (
	"fmt"
	"net"
	"sort"
	"strings"
)

// Name length bounds per the S3 bucket naming rules.
const (
	minNameLen = 3
	maxNameLen = 63
)

// SanitizeName normalizes raw into a valid S3 bucket name or fails.
// Lowercases the input, strips characters outside [a-z0-9.-], then validates
// length bounds, edge punctuation, punctuation runs, and IPv4-shaped names.
// Pure function; idempotent for any input it accepts.
func SanitizeName(raw string) (string, error) {
	lowered := strings.ToLower(raw)

	var b strings.Builder
	b.Grow(len(lowered))
	for _, c := range lowered {
		if (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9') || c == '.' || c == '-' {
			b.WriteRune(c)
		}
	}
	name := b.String()

	if len(name) < minNameLen || len(name) > maxNameLen {
		return "", fmt.Errorf("bucket name %q: length must be %d-%d characters", raw, minNameLen, maxNameLen)
	}
	if name[0] == '-' || name[0] == '.' || name[len(name)-1] == '-' || name[len(name)-1] == '.' {
		return "", fmt.Errorf("bucket name %q: must not begin or end with '-' or '.'", raw)
	}
	if strings.Contains(name, "..") || strings.Contains(name, ".-") || strings.Contains(name, "-.") {
		return "", fmt.Errorf("bucket name %q: adjacent punctuation is not allowed", raw)
	}
	if ip := net.ParseIP(name); ip != nil && ip.To4() != nil {
		return "", fmt.Errorf("bucket name %q: must not be formatted as an IP address", raw)
	}
	return name, nil
}

// Bucket is one configured bucket known to the registry.
type Bucket struct {
	// Name is the sanitized bucket name.
	Name string
	// InitialVersioning is the versioning state a fresh bucket row starts
	// in: "Disabled", "Enabled", or "Suspended". The persisted state in the
	// database is authoritative after startup.
	InitialVersioning string
}

// Registry holds the immutable set of configured buckets. It is built once
// at startup and safe for concurrent readers.
type Registry struct {
	buckets map[string]*Bucket
	ordered []*Bucket
}

// New builds a Registry from configured (name, initial versioning) pairs.
// Every name is sanitized; invalid or duplicate names fail construction so
// a bad configuration is rejected at startup rather than at request time.
func New(configured []Bucket) (*Registry, error) {
	r := &Registry{buckets: make(map[string]*Bucket, len(configured))}
	for _, c := range configured {
		name, err := SanitizeName(c.Name)
		if err != nil {
			return nil, err
		}
		if _, dup := r.buckets[name]; dup {
			return nil, fmt.Errorf("bucket %q configured more than once", name)
		}
		state := c.InitialVersioning
		if state == "" {
			state = "Disabled"
		}
		switch state {
		case "Disabled", "Enabled", "Suspended":
		default:
			return nil, fmt.Errorf("bucket %q: unknown versioning state %q", name, c.InitialVersioning)
		}
		b := &Bucket{Name: name, InitialVersioning: state}
		r.buckets[name] = b
		r.ordered = append(r.ordered, b)
	}
	sort.Slice(r.ordered, func(i, j int) bool { return r.ordered[i].Name < r.ordered[j].Name })
	return r, nil
}

// Lookup sanitizes raw and returns the matching configured bucket.
// Unknown names return (nil, nil): the caller maps that to NoSuchBucket.
// A name that cannot be sanitized returns the sanitization error.
func (r *Registry) Lookup(raw string) (*Bucket, error) {
	name, err := SanitizeName(raw)
	if err != nil {
		return nil, err
	}
	return r.buckets[name], nil
}

// List returns all configured buckets ordered lexicographically by name.
func (r *Registry) List() []*Bucket {
	out := make([]*Bucket, len(r.ordered))
	copy(out, r.ordered)
	return out
}

// Len returns the number of configured buckets.
func (r *Registry) Len() int {
	return len(r.buckets)
}
