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

package shmpool

import (
	"fmt"
	"image"
	"sync"

	"github.com/srediag/compositor-shm/pkg/shm"
)

// Buffer is a pixel buffer inside a pool.
type Buffer struct {
	rng    *shm.Range
	width  int
	height int
	stride int
	format Format

	mu        sync.Mutex
	destroyed bool
}

// Width returns the width in pixels.
func (b *Buffer) Width() int { return b.width }

// Height returns the height in pixels.
func (b *Buffer) Height() int { return b.height }

// Stride returns the distance in bytes between the starts of two rows.
func (b *Buffer) Stride() int { return b.stride }

// Format returns the pixel format.
func (b *Buffer) Format() Format { return b.format }

// Bounds returns the buffer rectangle.
func (b *Buffer) Bounds() image.Rectangle {
	return image.Rect(0, 0, b.width, b.height)
}

// CopyTo converts the buffer to RGBA into dst, clipped to dst's bounds.
// Pixels past the real end of the client's file come out as zero and are
// reported by AccessFault afterwards.
func (b *Buffer) CopyTo(dst *image.RGBA) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.destroyed {
		return ErrDestroyed
	}
	m, err := b.rng.MapRO()
	if err != nil {
		return err
	}
	area := b.Bounds().Intersect(dst.Bounds().Sub(dst.Rect.Min))
	rowBytes := area.Dx() * b.format.BytesPerPixel()
	for y := 0; y < area.Dy(); y++ {
		start := dst.PixOffset(dst.Rect.Min.X, dst.Rect.Min.Y+y)
		row := dst.Pix[start : start+rowBytes]
		if _, err := m.ReadAt(row, int64(y*b.stride)); err != nil {
			return fmt.Errorf("read row %d: %w", y, err)
		}
		b.format.toRGBA(row)
	}
	return nil
}

// AccessFault reports whether reading the buffer ever touched memory the
// client did not really provide.
func (b *Buffer) AccessFault() bool {
	return b.rng.AccessFault()
}

// Destroy releases the buffer's range. Calling it more than once is a no-op.
func (b *Buffer) Destroy() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.destroyed {
		return nil
	}
	b.destroyed = true
	buffersLive.Dec()
	return b.rng.Release()
}
