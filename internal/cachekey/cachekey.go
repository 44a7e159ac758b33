// Package cachekey derives stable identifiers for cached build steps.
//
// A key is computed from the component scope, the step name, the command,
// and arbitrary extra metadata. Set-valued metadata is sorted before
// hashing, so callers may supply it in any order. Keys are short lowercase
// hex strings that are valid image tags.
package cachekey

import (
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"slices"

	"github.com/opencontainers/go-digest"
)

// Number of hex characters kept from the SHA-256 digest (128 bits).
const keyLength = 32

var ErrInvalidInput = errors.New("invalid cache key input")

// Identifier of a cached build step.
type Key string

// Returns the key as a string.
func (k Key) String() string {
	return string(k)
}

// A metadata value: either a scalar string or an unordered set of strings.
type Value struct {
	scalar string
	set    []string
	isSet  bool
}

// Returns a scalar metadata value.
func String(v string) Value {
	return Value{scalar: v}
}

// Returns a set metadata value. Order and duplicates are irrelevant.
func Set(vs ...string) Value {
	sorted := slices.Clone(vs)
	slices.Sort(sorted)
	return Value{set: slices.Compact(sorted), isSet: true}
}

// Extra metadata contributed by a step.
type Extra map[string]Value

// Returns a copy of e with key set to v.
func (e Extra) With(key string, v Value) Extra {
	out := make(Extra, len(e)+1)
	maps.Copy(out, e)
	out[key] = v
	return out
}

// Canonical, unambiguous encoding of a metadata entry.
type entry struct {
	Key   string   `json:"k"`
	Kind  string   `json:"t"`
	Value string   `json:"v,omitempty"`
	Set   []string `json:"s,omitempty"`
}

// Canonical encoding of all key inputs.
type input struct {
	Scope   string   `json:"scope"`
	Step    string   `json:"step"`
	Command []string `json:"command"`
	Extra   []entry  `json:"extra"`
}

// Derives the cache key for a step.
//
// The same arguments always produce the same key. Any difference in scope,
// step, command, or metadata produces a different key with overwhelming
// probability. Scope and step must be non-empty.
func Derive(scope, step string, command []string, extra Extra) (Key, error) {
	if scope == "" {
		return "", fmt.Errorf("%w: empty scope", ErrInvalidInput)
	}
	if step == "" {
		return "", fmt.Errorf("%w: empty step name", ErrInvalidInput)
	}

	in := input{
		Scope:   scope,
		Step:    step,
		Command: command,
		Extra:   make([]entry, 0, len(extra)),
	}
	if in.Command == nil {
		in.Command = []string{}
	}

	for _, k := range slices.Sorted(maps.Keys(extra)) {
		v := extra[k]
		if v.isSet {
			in.Extra = append(in.Extra, entry{Key: k, Kind: "set", Set: v.set})
		} else {
			in.Extra = append(in.Extra, entry{Key: k, Kind: "str", Value: v.scalar})
		}
	}

	b, err := json.Marshal(in)
	if err != nil {
		return "", err
	}

	return Key(digest.SHA256.FromBytes(b).Encoded()[:keyLength]), nil
}
