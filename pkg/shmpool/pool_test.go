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
	"encoding/binary"
	"image"
	"image/color"
	"testing"

	"github.com/stretchr/testify/suite"
	"golang.org/x/sys/unix"

	internalshm "github.com/srediag/compositor-shm/internal/shm"
	"github.com/srediag/compositor-shm/pkg/shm"
)

type ConfigTestSuite struct {
	suite.Suite
}

func TestConfigTestSuite(t *testing.T) {
	suite.Run(t, new(ConfigTestSuite))
}

func (s *ConfigTestSuite) TestVerifyConfig() {
	s.Require().NoError(VerifyConfig(DefaultConfig()))
	s.Require().Error(VerifyConfig(nil))

	config := DefaultConfig()
	config.MaxPoolSize = 0
	s.Require().Error(VerifyConfig(config))
	config.MaxPoolSize = 1 << 40
	s.Require().Error(VerifyConfig(config))
	config.MaxPoolSize = 1 << 20

	config.Formats = []Format{FormatARGB8888}
	s.Require().Error(VerifyConfig(config))
	config.Formats = []Format{FormatARGB8888, FormatXRGB8888, FormatXRGB8888}
	s.Require().Error(VerifyConfig(config))
	config.Formats = []Format{FormatARGB8888, FormatXRGB8888, Format(0x34325258)}
	s.Require().Error(VerifyConfig(config))
	config.Formats = []Format{FormatXRGB8888, FormatARGB8888}
	s.Require().NoError(VerifyConfig(config))
}

func (s *ConfigTestSuite) TestFormatString() {
	s.Equal("ARGB8888", FormatARGB8888.String())
	s.Equal("Format(0x7)", Format(7).String())
	s.Equal(0, Format(7).BytesPerPixel())
}

type PoolTestSuite struct {
	suite.Suite
	fd   int
	pool *Pool
}

func TestPoolTestSuite(t *testing.T) {
	suite.Run(t, new(PoolTestSuite))
}

const poolSize = 4 * 4 * 4

func (s *PoolTestSuite) SetupTest() {
	fd, err := internalshm.MemfdCreate("pool-test", poolSize)
	if err != nil {
		s.T().Skipf("no shared memory: %v", err)
	}
	s.fd = fd
	s.pool, err = NewPool(fd, poolSize, nil)
	s.Require().NoError(err)
}

func (s *PoolTestSuite) TearDownTest() {
	s.NoError(s.pool.Destroy())
	s.NoError(unix.Close(s.fd))
}

func (s *PoolTestSuite) writePixel(off int, argb uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], argb)
	_, err := unix.Pwrite(s.fd, b[:], int64(off))
	s.Require().NoError(err)
}

func (s *PoolTestSuite) TestNewPoolRejectsBadSize() {
	_, err := NewPool(s.fd, 0, nil)
	s.ErrorIs(err, ErrInvalidSize)
	cfg := DefaultConfig()
	cfg.MaxPoolSize = 8
	_, err = NewPool(s.fd, 9, cfg)
	s.ErrorIs(err, ErrInvalidSize)
}

func (s *PoolTestSuite) TestCreateBufferValidation() {
	cases := []struct {
		name                          string
		offset, width, height, stride int32
		format                        Format
		want                          error
	}{
		{"unknown format", 0, 1, 1, 4, Format(9), ErrInvalidFormat},
		{"zero width", 0, 0, 1, 4, FormatARGB8888, ErrInvalidStride},
		{"negative offset", -4, 1, 1, 4, FormatARGB8888, ErrInvalidStride},
		{"short stride", 0, 4, 1, 15, FormatARGB8888, ErrInvalidStride},
		{"past pool end", 4, 4, 4, 16, FormatARGB8888, ErrInvalidStride},
		{"huge", 0, 1 << 30, 1 << 30, 1<<31 - 1, FormatARGB8888, ErrInvalidStride},
	}
	for _, tc := range cases {
		_, err := s.pool.CreateBuffer(tc.offset, tc.width, tc.height, tc.stride, tc.format)
		s.ErrorIs(err, tc.want, tc.name)
	}

	_, err := s.pool.CreateBuffer(4, 4, 4, 16, FormatARGB8888)
	s.ErrorIs(err, shm.ErrRange)
}

func (s *PoolTestSuite) TestCopyToSwizzles() {
	s.writePixel(0, 0x80112233)
	s.writePixel(20, 0x00445566)

	argb, err := s.pool.CreateBuffer(0, 4, 4, 16, FormatARGB8888)
	s.Require().NoError(err)
	defer argb.Destroy()
	dst := image.NewRGBA(argb.Bounds())
	s.Require().NoError(argb.CopyTo(dst))
	s.Equal(color.RGBA{R: 0x11, G: 0x22, B: 0x33, A: 0x80}, dst.RGBAAt(0, 0))
	s.Equal(color.RGBA{R: 0x44, G: 0x55, B: 0x66, A: 0x00}, dst.RGBAAt(1, 1))
	s.False(argb.AccessFault())

	xrgb, err := s.pool.CreateBuffer(16, 2, 2, 16, FormatXRGB8888)
	s.Require().NoError(err)
	defer xrgb.Destroy()
	s.Equal(2, xrgb.Width())
	s.Equal(2, xrgb.Height())
	s.Equal(16, xrgb.Stride())
	s.Equal(FormatXRGB8888, xrgb.Format())
	small := image.NewRGBA(image.Rect(0, 0, 1, 1))
	s.Require().NoError(xrgb.CopyTo(small))
	s.Equal(color.RGBA{A: 0xff}, small.RGBAAt(0, 0))
	s.Require().NoError(xrgb.CopyTo(dst))
	s.Equal(color.RGBA{R: 0x44, G: 0x55, B: 0x66, A: 0xff}, dst.RGBAAt(1, 0))
}

func (s *PoolTestSuite) TestResize() {
	s.ErrorIs(s.pool.Resize(poolSize-1), ErrShrink)
	s.ErrorIs(s.pool.Resize(0), ErrInvalidSize)

	_, err := s.pool.CreateBuffer(poolSize, 1, 1, 4, FormatARGB8888)
	s.ErrorIs(err, ErrInvalidStride)

	s.Require().NoError(s.pool.Resize(2 * poolSize))
	s.Equal(uint64(2*poolSize), s.pool.Size())

	// The file itself was not grown: the client lied.
	buf, err := s.pool.CreateBuffer(poolSize, 4, 4, 16, FormatARGB8888)
	s.Require().NoError(err)
	defer buf.Destroy()
	dst := image.NewRGBA(buf.Bounds())
	s.Require().NoError(buf.CopyTo(dst))
	s.True(buf.AccessFault())
	s.Equal(color.RGBA{}, dst.RGBAAt(3, 3))
}

func (s *PoolTestSuite) TestBufferOutlivesPool() {
	s.writePixel(0, 0xff0000ff)
	buf, err := s.pool.CreateBuffer(0, 1, 1, 4, FormatARGB8888)
	s.Require().NoError(err)
	s.Require().NoError(s.pool.Destroy())

	_, err = s.pool.CreateBuffer(0, 1, 1, 4, FormatARGB8888)
	s.ErrorIs(err, ErrDestroyed)
	s.ErrorIs(s.pool.Resize(2*poolSize), ErrDestroyed)

	dst := image.NewRGBA(buf.Bounds())
	s.Require().NoError(buf.CopyTo(dst))
	s.Equal(color.RGBA{B: 0xff, A: 0xff}, dst.RGBAAt(0, 0))

	s.Require().NoError(buf.Destroy())
	s.NoError(buf.Destroy())
	s.ErrorIs(buf.CopyTo(dst), ErrDestroyed)
}

func (s *PoolTestSuite) TestRegistry() {
	reg := NewRegistry()
	s.Require().NoError(reg.Add("c1", 3, s.pool))
	s.Error(reg.Add("c1", 3, s.pool))

	other, err := NewPool(s.fd, 16, nil)
	s.Require().NoError(err)
	s.Require().NoError(reg.Add("c10", 3, other))
	s.Equal(2, reg.Len())
	s.Equal(uint64(poolSize+16), reg.ClaimedBytes())

	got, ok := reg.Get("c1", 3)
	s.True(ok)
	s.Same(s.pool, got)

	s.Require().NoError(reg.DestroyClient("c10"))
	s.Equal(1, reg.Len())
	_, ok = reg.Get("c10", 3)
	s.False(ok)
	s.ErrorIs(other.Resize(32), ErrDestroyed)

	got, ok = reg.Remove("c1", 3)
	s.True(ok)
	s.Same(s.pool, got)
	s.Equal(0, reg.Len())
}
