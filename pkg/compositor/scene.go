package compositor

import (
	"context"
	"image"
	"image/draw"
	"sync"

	"github.com/srediag/compositor-shm/internal/logging"
)

// Surface is client content committed to a Scene.
type Surface interface {
	// CopyTo draws the content into dst, clipped to dst's bounds.
	CopyTo(dst *image.RGBA) error
	// Release tells the owner the Scene no longer needs the content.
	Release()
}

// Scene keeps the latest committed surface and composes it into frames.
// A committed surface is drawn once, then released; later frames reuse the
// scene's canvas. Several render loops may share a scene.
type Scene struct {
	mu      sync.Mutex
	pending Surface

	canvasMu sync.Mutex
	canvas   *image.RGBA
	logger   *logging.Logger
}

// NewScene returns an empty scene of the given size.
func NewScene(width, height int) *Scene {
	return &Scene{
		canvas: image.NewRGBA(image.Rect(0, 0, width, height)),
		logger: logging.New("scene"),
	}
}

// Bounds returns the canvas rectangle.
func (s *Scene) Bounds() image.Rectangle {
	return s.canvas.Bounds()
}

// Commit makes surf the content of the next frame. A surface committed
// earlier and not drawn yet is released.
func (s *Scene) Commit(surf Surface) {
	s.mu.Lock()
	old := s.pending
	s.pending = surf
	s.mu.Unlock()
	if old != nil && old != surf {
		surfacesDropped.Inc()
		old.Release()
	}
}

// Render is a RenderFunc for *image.RGBA frames. The canvas is clipped to
// the frame; frame pixels outside the canvas are cleared.
func (s *Scene) Render(_ context.Context, seq uint64, dst *image.RGBA) error {
	s.mu.Lock()
	surf := s.pending
	s.pending = nil
	s.mu.Unlock()

	s.canvasMu.Lock()
	defer s.canvasMu.Unlock()
	if surf != nil {
		if err := surf.CopyTo(s.canvas); err != nil {
			s.logger.Warnf("frame %d: dropping surface: %v", seq, err)
			surfacesDropped.Inc()
		}
		surf.Release()
	}
	draw.Draw(dst, dst.Bounds(), image.Transparent, image.Point{}, draw.Src)
	draw.Draw(dst, dst.Bounds(), s.canvas, image.Point{}, draw.Src)
	return nil
}

// Close releases a surface that was committed but never drawn.
func (s *Scene) Close() {
	s.Commit(nil)
}
