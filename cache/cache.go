// Package cache maps a generation fingerprint to previously produced
// content so identical requests never reach the provider twice.
//
// Caches are constructed explicitly and injected; there is no package-level
// instance.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"net/url"
	"sort"
	"time"

	"github.com/teranos/scribe/errors"
)

// Cache is the response cache contract. Expired entries are misses.
type Cache interface {
	Get(ctx context.Context, fingerprint string) (content string, ok bool, err error)
	Put(ctx context.Context, fingerprint, content string, ttl time.Duration) error
	Invalidate(ctx context.Context, sel Selector) (int64, error)
}

// Purger drops expired entries. Backends with native expiry don't need it.
type Purger interface {
	Purge(ctx context.Context) (int64, error)
}

// Selector picks entries to invalidate: one fingerprint, or every
// fingerprint sharing a prefix.
type Selector struct {
	Exact  string `json:"exact,omitempty"`
	Prefix string `json:"prefix,omitempty"`
}

// Validate requires exactly one of Exact or Prefix.
func (s Selector) Validate() error {
	if (s.Exact == "") == (s.Prefix == "") {
		return errors.NewValidationError("cache selector needs exactly one of exact or prefix")
	}
	return nil
}

// ForTemplateVersion selects every entry produced under a template version.
func ForTemplateVersion(version string) Selector {
	return Selector{Prefix: versionPrefix(version)}
}

// FingerprintInput is everything that affects a section's generated output.
type FingerprintInput struct {
	SectionID       string
	TemplateVersion string
	Variables       map[string]string
	Prompt          string // rendered prompt; optional, included when set
	Model           string // optional; different models produce different output
}

// Fingerprint derives a deterministic, collision-resistant key from in.
// The template version leads the key in clear so a version bump can be
// invalidated by prefix. Every field is length-prefixed and variables are
// hashed in sorted key order.
func Fingerprint(in FingerprintInput) string {
	h := sha256.New()
	writeLen := func(n int) {
		var b [8]byte
		binary.BigEndian.PutUint64(b[:], uint64(n))
		h.Write(b[:])
	}
	write := func(s string) {
		writeLen(len(s))
		h.Write([]byte(s))
	}

	write(in.TemplateVersion)
	write(in.SectionID)
	write(in.Model)
	write(in.Prompt)

	keys := make([]string, 0, len(in.Variables))
	for k := range in.Variables {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	writeLen(len(keys))
	for _, k := range keys {
		write(k)
		write(in.Variables[k])
	}

	return versionPrefix(in.TemplateVersion) + hex.EncodeToString(h.Sum(nil))
}

func versionPrefix(version string) string {
	return url.PathEscape(version) + "/"
}
