// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

// Package codec converts aggregates to and from the opaque byte payload
// stored by the persistence sinks.
package codec

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/mbeema/liveprof/pkg/profile"
	"github.com/segmentio/encoding/json"
)

// Codec encodes an aggregate into bytes and back. Implementations must
// round-trip losslessly.
type Codec interface {
	Encode(agg profile.Aggregate) ([]byte, error)
	Decode(data []byte) (profile.Aggregate, error)
	Name() string
}

// JSON is the default codec: a flat JSON object of key -> {ct, wt, mu}.
// JSON strings cannot carry invalid UTF-8, so keys are escaped: '%' and
// every byte outside a valid UTF-8 sequence are written as %XX.
type JSON struct{}

// Default returns the codec used when none is configured.
func Default() Codec { return JSON{} }

// Name returns "json".
func (JSON) Name() string { return "json" }

// Encode marshals agg. A nil aggregate encodes as an empty object.
func (JSON) Encode(agg profile.Aggregate) ([]byte, error) {
	out := make(profile.Aggregate, len(agg))
	for k, v := range agg {
		out[escapeKey(k)] = v
	}
	b, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("encode aggregate: %w", err)
	}
	return b, nil
}

// Decode unmarshals data produced by Encode.
func (JSON) Decode(data []byte) (profile.Aggregate, error) {
	raw := profile.Aggregate{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decode aggregate: %w", err)
	}
	agg := make(profile.Aggregate, len(raw))
	for k, v := range raw {
		key, err := unescapeKey(k)
		if err != nil {
			return nil, fmt.Errorf("decode aggregate: %w", err)
		}
		agg[key] = v
	}
	return agg, nil
}

const hexDigits = "0123456789ABCDEF"

func escapeKey(k string) string {
	if utf8.ValidString(k) && !strings.Contains(k, "%") {
		return k
	}
	var b strings.Builder
	b.Grow(len(k) + 8)
	for i := 0; i < len(k); {
		r, size := utf8.DecodeRuneInString(k[i:])
		if r == '%' || (r == utf8.RuneError && size == 1) {
			b.WriteByte('%')
			b.WriteByte(hexDigits[k[i]>>4])
			b.WriteByte(hexDigits[k[i]&0x0f])
		} else {
			b.WriteString(k[i : i+size])
		}
		i += size
	}
	return b.String()
}

func unescapeKey(k string) (string, error) {
	if !strings.Contains(k, "%") {
		return k, nil
	}
	var b strings.Builder
	b.Grow(len(k))
	for i := 0; i < len(k); i++ {
		if k[i] != '%' {
			b.WriteByte(k[i])
			continue
		}
		if i+2 >= len(k) {
			return "", fmt.Errorf("truncated escape in key %q", k)
		}
		hi, lo := unhex(k[i+1]), unhex(k[i+2])
		if hi < 0 || lo < 0 {
			return "", fmt.Errorf("invalid escape in key %q", k)
		}
		b.WriteByte(byte(hi<<4 | lo))
		i += 2
	}
	return b.String(), nil
}

func unhex(c byte) int {
	switch {
	case '0' <= c && c <= '9':
		return int(c - '0')
	case 'A' <= c && c <= 'F':
		return int(c-'A') + 10
	case 'a' <= c && c <= 'f':
		return int(c-'a') + 10
	}
	return -1
}
