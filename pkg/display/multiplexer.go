// Package display aggregates display backends and provides a headless
// backend for servers without real outputs.
package display

import (
	"slices"

	"github.com/srediag/compositor-shm/api"
)

// Multiplexer presents a fixed, ordered set of displays as one.
//
// Calls fan out sequentially in construction order and stop at the first
// failing display, whose error is returned as is.
type Multiplexer struct {
	displays []api.Display
}

var _ api.Display = (*Multiplexer)(nil)

// NewMultiplexer returns a multiplexer over displays. The set cannot change
// afterwards.
func NewMultiplexer(displays ...api.Display) *Multiplexer {
	return &Multiplexer{displays: slices.Clone(displays)}
}

// Len returns the number of constituent displays.
func (m *Multiplexer) Len() int {
	return len(m.displays)
}

// ForEachDisplaySyncGroup calls fn for every sync group of every display,
// display by display.
func (m *Multiplexer) ForEachDisplaySyncGroup(fn func(api.SyncGroup) error) error {
	for _, d := range m.displays {
		if err := d.ForEachDisplaySyncGroup(fn); err != nil {
			return err
		}
	}
	return nil
}

// Configuration concatenates the outputs of every display. Each output's
// ID.Display is set to the index of the display that reported it, so equal
// output numbers from different displays stay distinct.
func (m *Multiplexer) Configuration() (api.Configuration, error) {
	var conf api.Configuration
	for i, d := range m.displays {
		c, err := d.Configuration()
		if err != nil {
			return api.Configuration{}, err
		}
		for _, o := range c.Outputs {
			o.ID.Display = i
			o.Modes = slices.Clone(o.Modes)
			conf.Outputs = append(conf.Outputs, o)
		}
	}
	return conf, nil
}
