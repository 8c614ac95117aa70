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
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/srediag/compositor-shm/internal/logging"
	"github.com/srediag/compositor-shm/pkg/shm"
)

var (
	poolsLive = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "shmpool",
		Name:      "pools",
		Help:      "Number of live pools.",
	})
	buffersLive = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "shmpool",
		Name:      "buffers",
		Help:      "Number of live buffers.",
	})
)

// Collectors returns the package metrics for registration.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{poolsLive, buffersLive}
}

// Pool is a client file shared with the server. Buffers are validated
// against the size the client claims; nothing trusts the real file size.
type Pool struct {
	cfg    *Config
	logger *logging.Logger

	mu        sync.Mutex
	region    *shm.Region
	destroyed bool
}

// NewPool wraps fd, which the client claims is size bytes long. The caller
// keeps ownership of fd.
func NewPool(fd int, size int64, cfg *Config) (*Pool, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if size <= 0 || uint64(size) > cfg.MaxPoolSize {
		return nil, fmt.Errorf("%w: %d", ErrInvalidSize, size)
	}
	region, err := shm.FromHandle(fd, uint64(size))
	if err != nil {
		return nil, err
	}
	poolsLive.Inc()
	return &Pool{
		cfg:    cfg,
		region: region,
		logger: logging.New("shmpool").WithField("size", size),
	}, nil
}

// Size returns the size the client currently claims.
func (p *Pool) Size() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.region.ClaimedSize()
}

// Resize grows the claimed size. Existing buffers keep the range they were
// created with.
func (p *Pool) Resize(size int64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.destroyed {
		return ErrDestroyed
	}
	if size <= 0 || uint64(size) > p.cfg.MaxPoolSize {
		return fmt.Errorf("%w: %d", ErrInvalidSize, size)
	}
	if uint64(size) < p.region.ClaimedSize() {
		return fmt.Errorf("%w: %d < %d", ErrShrink, size, p.region.ClaimedSize())
	}
	grown, err := p.region.WithClaimedSize(uint64(size))
	if err != nil {
		return err
	}
	if err := p.region.Release(); err != nil {
		p.logger.Warnf("release old region: %v", err)
	}
	p.region = grown
	p.logger.Debugf("resized to %d", size)
	return nil
}

// CreateBuffer carves a width x height buffer with the given stride out of
// the pool at offset.
func (p *Pool) CreateBuffer(offset, width, height, stride int32, format Format) (*Buffer, error) {
	if !p.cfg.supports(format) {
		return nil, fmt.Errorf("%w: %s", ErrInvalidFormat, format)
	}
	if offset < 0 || width <= 0 || height <= 0 || stride <= 0 {
		return nil, fmt.Errorf("%w: offset %d, %dx%d, stride %d", ErrInvalidStride, offset, width, height, stride)
	}
	if int64(stride) < int64(width)*int64(format.BytesPerPixel()) {
		return nil, fmt.Errorf("%w: stride %d too small for width %d", ErrInvalidStride, stride, width)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.destroyed {
		return nil, ErrDestroyed
	}
	rng, err := p.region.GetRange(uint64(offset), uint64(stride)*uint64(height))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidStride, err)
	}
	buffersLive.Inc()
	return &Buffer{
		rng:    rng,
		width:  int(width),
		height: int(height),
		stride: int(stride),
		format: format,
	}, nil
}

// Destroy drops the pool's claim on the file. Buffers created from it stay
// usable until they are destroyed themselves.
func (p *Pool) Destroy() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.destroyed {
		return nil
	}
	p.destroyed = true
	poolsLive.Dec()
	return p.region.Release()
}
