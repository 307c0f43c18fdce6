// Package cache provides the content-addressed step cache.
//
// Entries are keyed by a BLAKE3 hash of the step identity (name, command and
// environment overrides). They are written only after a step succeeds and are
// never mutated; a later Put for the same key replaces the entry. Concurrent
// writers for the same key write equivalent data, so stores only need
// single-key atomicity.
package cache

import (
	"context"
	"encoding/hex"
	"errors"
	"sort"
	"time"

	"github.com/fyrsmithlabs/prgate/internal/pipeline"
	"github.com/zeebo/blake3"
)

// ErrClosed is returned by stores after Close.
var ErrClosed = errors.New("cache: store closed")

// Entry is the cached descriptor of a successful step.
type Entry struct {
	Key       string    `cbor:"1,keyasint" json:"key"`
	Step      string    `cbor:"2,keyasint" json:"step"`
	Artifacts []string  `cbor:"3,keyasint,omitempty" json:"artifacts,omitempty"`
	Output    string    `cbor:"4,keyasint,omitempty" json:"output,omitempty"`
	CreatedAt time.Time `cbor:"5,keyasint" json:"created_at"`
}

// Store is a cache backend.
type Store interface {
	// Get returns the entry for key. The bool is false on a miss.
	Get(ctx context.Context, key string) (*Entry, bool, error)
	// Put writes or replaces the entry under entry.Key.
	Put(ctx context.Context, entry Entry) error
}

// Key hashes a step identity. Environment overrides are folded in sorted key
// order so map iteration never changes the key.
func Key(name, command string, env map[string]string) string {
	h := blake3.New()
	writeField(h, name)
	writeField(h, command)

	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		writeField(h, k)
		writeField(h, env[k])
	}
	return hex.EncodeToString(h.Sum(nil))
}

// KeyFor returns the cache key of a step.
func KeyFor(step pipeline.Step) string {
	return Key(step.Name, step.Command, step.Env)
}

// writeField length-prefixes each field so ("ab","c") and ("a","bc") differ.
func writeField(h *blake3.Hasher, s string) {
	var prefix [8]byte
	n := uint64(len(s))
	for i := 0; i < 8; i++ {
		prefix[i] = byte(n >> (8 * i))
	}
	_, _ = h.Write(prefix[:])
	_, _ = h.Write([]byte(s))
}

// Excerpt trims output to the last max bytes for storage in an entry.
func Excerpt(output string, max int) string {
	if max <= 0 || len(output) <= max {
		return output
	}
	return output[len(output)-max:]
}
