// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ByteSize parses the human-readable size suffixes from spec §6.2
// (KiB, MiB, GiB) into a plain byte count. A bare number is interpreted as
// bytes, matching the original's ubyte::ToByteUnit behavior.
func ByteSize(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty size")
	}
	mult := int64(1)
	suffixes := []struct {
		suffix string
		mult   int64
	}{
		{"GiB", 1 << 30},
		{"MiB", 1 << 20},
		{"KiB", 1 << 10},
		{"GB", 1e9},
		{"MB", 1e6},
		{"KB", 1e3},
		{"B", 1},
	}
	numPart := s
	for _, suf := range suffixes {
		if strings.HasSuffix(s, suf.suffix) {
			mult = suf.mult
			numPart = strings.TrimSpace(strings.TrimSuffix(s, suf.suffix))
			break
		}
	}
	f, err := strconv.ParseFloat(numPart, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q: %w", s, err)
	}
	return int64(f * float64(mult)), nil
}

// Duration parses the human-readable duration suffixes from spec §6.2
// (ns, us, ms, s, m, h, d, w, M, y). Anything time.ParseDuration already
// understands (ns/us/ms/s/m/h) is delegated there; the calendar-ish
// suffixes (d, w, M, y) are handled with fixed approximations, matching the
// original's humantime::Duration semantics closely enough for config
// knobs that are never exact-calendar-sensitive.
func Duration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty duration")
	}
	if d, err := time.ParseDuration(s); err == nil {
		return d, nil
	}
	calendar := []struct {
		suffix string
		unit   time.Duration
	}{
		{"y", 365 * 24 * time.Hour},
		{"M", 30 * 24 * time.Hour},
		{"w", 7 * 24 * time.Hour},
		{"d", 24 * time.Hour},
	}
	for _, c := range calendar {
		if strings.HasSuffix(s, c.suffix) {
			numPart := strings.TrimSuffix(s, c.suffix)
			f, err := strconv.ParseFloat(numPart, 64)
			if err != nil {
				return 0, fmt.Errorf("invalid duration %q: %w", s, err)
			}
			return time.Duration(f * float64(c.unit)), nil
		}
	}
	return 0, fmt.Errorf("invalid duration %q", s)
}
