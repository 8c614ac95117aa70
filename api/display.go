// Package api defines the public contracts of the compositor.
package api

import "image"

// SyncGroup is one unit of atomic presentation on a physical display. Its
// contents are opaque to everything but the display that owns it.
type SyncGroup interface {
	// Post presents the group's latest finished frame.
	Post() error
}

// Display is a display backend as seen by the compositor core.
type Display interface {
	// ForEachDisplaySyncGroup calls fn once per sync group, in order, and
	// stops at the first error.
	ForEachDisplaySyncGroup(fn func(SyncGroup) error) error
	// Configuration describes the outputs of the display.
	Configuration() (Configuration, error)
}

// OutputID identifies an output. Display is the index of the display that
// reported it within a multiplexed set and 0 for a single display.
type OutputID struct {
	Display int
	Output  int
}

// PowerMode is the power state of an output.
type PowerMode int

const (
	PowerModeOn PowerMode = iota
	PowerModeStandby
	PowerModeOff
)

// Mode is one video mode an output supports.
type Mode struct {
	Width      int
	Height     int
	RefreshMHz int
}

// Output is one physical or virtual output of a display.
type Output struct {
	ID          OutputID
	Name        string
	Connected   bool
	Used        bool
	Modes       []Mode
	CurrentMode int
	Position    image.Point
	Power       PowerMode
}

// Extent is the area the output covers in the shared layout, or the zero
// rectangle when it has no current mode.
func (o Output) Extent() image.Rectangle {
	if o.CurrentMode < 0 || o.CurrentMode >= len(o.Modes) {
		return image.Rectangle{}
	}
	m := o.Modes[o.CurrentMode]
	return image.Rectangle{Min: o.Position, Max: o.Position.Add(image.Pt(m.Width, m.Height))}
}

// Configuration is the set of outputs a display reports.
type Configuration struct {
	Outputs []Output
}

// Output looks up an output by id.
func (c Configuration) Output(id OutputID) (Output, bool) {
	for _, o := range c.Outputs {
		if o.ID == id {
			return o, true
		}
	}
	return Output{}, false
}
