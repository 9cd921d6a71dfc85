// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package persist

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/mbeema/liveprof/pkg/profile"
)

// fileSink writes each record to <base>/<app>/<label>-<datetime>.<ext>.
type fileSink struct {
	base string
	ext  string
}

func newFileSink(base, ext string) (*fileSink, error) {
	if strings.TrimSpace(base) == "" {
		return nil, fmt.Errorf("%w: files mode requires a base directory", ErrConfiguration)
	}
	return &fileSink{base: base, ext: ext}, nil
}

func (s *fileSink) Name() string { return "files" }

// Path returns where rec is written. Every component is escaped so labels
// such as request paths cannot leave the app directory.
func (s *fileSink) Path(rec *profile.Record) string {
	name := pathComponent(rec.Label) + "-" + pathComponent(rec.DateTime)
	if s.ext != "" {
		name += "." + s.ext
	}
	return filepath.Join(s.base, pathComponent(rec.App), name)
}

func pathComponent(s string) string {
	escaped := url.PathEscape(s)
	switch escaped {
	case "", ".", "..":
		return strings.Repeat("%2E", len(escaped)) + "_"
	}
	return escaped
}

func (s *fileSink) Save(_ context.Context, rec *profile.Record, payload []byte) error {
	path := s.Path(rec)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("%w: create directory: %w", ErrPersistence, err)
	}
	if err := os.WriteFile(path, payload, 0o644); err != nil {
		return fmt.Errorf("%w: write %s: %w", ErrPersistence, path, err)
	}
	return nil
}

func (s *fileSink) Close() error { return nil }
