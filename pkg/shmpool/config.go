/*
 * Copyright 2025 SREDiag Authors
 * Copyright 2023 CloudWeGo Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package shmpool implements wl_shm style pools: a client shares a file,
// claims its size, and carves pixel buffers out of it by offset.
package shmpool

import (
	"errors"
	"fmt"
	"math"
)

const (
	defaultMaxPoolSize = 256 << 20
)

// Config bounds what clients may ask of a pool.
type Config struct {
	// MaxPoolSize is the largest size a pool may be created or resized to.
	MaxPoolSize uint64
	// Formats lists the pixel formats advertised to clients. ARGB8888 and
	// XRGB8888 are always required.
	Formats []Format
}

// DefaultConfig returns the default pool configuration.
func DefaultConfig() *Config {
	return &Config{
		MaxPoolSize: defaultMaxPoolSize,
		Formats:     []Format{FormatARGB8888, FormatXRGB8888},
	}
}

// VerifyConfig checks that c is usable.
func VerifyConfig(c *Config) error {
	if c == nil {
		return errors.New("shmpool: nil config")
	}
	if c.MaxPoolSize == 0 || c.MaxPoolSize > math.MaxInt32 {
		return fmt.Errorf("shmpool: MaxPoolSize must be in (0, %d], got %d", math.MaxInt32, c.MaxPoolSize)
	}
	seen := make(map[Format]bool, len(c.Formats))
	for _, f := range c.Formats {
		if f.BytesPerPixel() == 0 {
			return fmt.Errorf("shmpool: unknown format %s", f)
		}
		if seen[f] {
			return fmt.Errorf("shmpool: duplicate format %s", f)
		}
		seen[f] = true
	}
	if !seen[FormatARGB8888] || !seen[FormatXRGB8888] {
		return errors.New("shmpool: ARGB8888 and XRGB8888 must be supported")
	}
	return nil
}

func (c *Config) supports(f Format) bool {
	for _, s := range c.Formats {
		if s == f {
			return true
		}
	}
	return false
}
