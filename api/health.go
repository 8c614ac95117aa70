package api

// Health is implemented by components that can report their own liveness.
type Health interface {
	// Check returns nil while the component is healthy.
	Check() error
}

// HealthFunc adapts a function to Health.
type HealthFunc func() error

func (f HealthFunc) Check() error { return f() }
