package display

import (
	"errors"
	"fmt"
	"image"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"

	"github.com/srediag/compositor-shm/api"
	"github.com/srediag/compositor-shm/pkg/compositor"
)

// ErrNoModes is returned when a headless display is created without outputs.
var ErrNoModes = errors.New("display: headless display needs at least one mode")

// Headless is a display with virtual outputs. Every output is its own sync
// group, double buffered in memory.
type Headless struct {
	name   string
	groups []*HeadlessGroup
}

var _ api.Display = (*Headless)(nil)

// NewHeadless returns a display with one output per mode.
func NewHeadless(name string, modes ...api.Mode) (*Headless, error) {
	if len(modes) == 0 {
		return nil, ErrNoModes
	}
	h := &Headless{name: name}
	x := 0
	for i, mode := range modes {
		if mode.Width <= 0 || mode.Height <= 0 {
			return nil, fmt.Errorf("display: %s output %d: invalid mode %dx%d", name, i, mode.Width, mode.Height)
		}
		rect := image.Rect(0, 0, mode.Width, mode.Height)
		swapper, err := compositor.NewDoubleSwapper(image.NewRGBA(rect), image.NewRGBA(rect))
		if err != nil {
			return nil, err
		}
		h.groups = append(h.groups, &HeadlessGroup{
			output: api.Output{
				ID:        api.OutputID{Output: i},
				Name:      fmt.Sprintf("%s-%d", name, i),
				Connected: true,
				Used:      true,
				Modes:     []api.Mode{mode},
				Position:  image.Pt(x, 0),
				Power:     api.PowerModeOn,
			},
			swapper: swapper,
		})
		x += mode.Width
	}
	return h, nil
}

// Name returns the display name.
func (h *Headless) Name() string {
	return h.name
}

// Groups returns the sync groups in output order.
func (h *Headless) Groups() []*HeadlessGroup {
	return h.groups
}

func (h *Headless) ForEachDisplaySyncGroup(fn func(api.SyncGroup) error) error {
	for _, g := range h.groups {
		if err := fn(g); err != nil {
			return err
		}
	}
	return nil
}

func (h *Headless) Configuration() (api.Configuration, error) {
	conf := api.Configuration{Outputs: make([]api.Output, 0, len(h.groups))}
	for _, g := range h.groups {
		conf.Outputs = append(conf.Outputs, g.output)
	}
	return conf, nil
}

// HeadlessGroup is the sync group of one headless output. A render loop
// produces into its swapper and Post consumes from it.
type HeadlessGroup struct {
	output  api.Output
	swapper *compositor.DoubleSwapper[*image.RGBA]
	posted  atomic.Uint64
	hash    atomic.Uint64
}

// Swapper returns the frame swapper of the output.
func (g *HeadlessGroup) Swapper() *compositor.DoubleSwapper[*image.RGBA] {
	return g.swapper
}

// Output returns the output description.
func (g *HeadlessGroup) Output() api.Output {
	return g.output
}

// Bounds returns the frame rectangle.
func (g *HeadlessGroup) Bounds() image.Rectangle {
	m := g.output.Modes[0]
	return image.Rect(0, 0, m.Width, m.Height)
}

// Post scans out the last posted frame.
func (g *HeadlessGroup) Post() error {
	frame := g.swapper.GrabLastPosted()
	g.hash.Store(xxhash.Sum64(frame.Pix))
	g.swapper.Ungrab(frame)
	g.posted.Add(1)
	return nil
}

// Posted returns how many frames have been scanned out.
func (g *HeadlessGroup) Posted() uint64 {
	return g.posted.Load()
}

// LastFrameHash returns the xxhash of the pixels last scanned out.
func (g *HeadlessGroup) LastFrameHash() uint64 {
	return g.hash.Load()
}
