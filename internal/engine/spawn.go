package engine

// Spawner allows an embedding application to own goroutines created by the
// engine (e.g. upload live-readout tickers) under its own supervisor. When
// nil, the engine falls back to plain `go`.
//
// This package deliberately does not depend on the daemon's supervisor
// implementation.
type Spawner interface {
	Go(name string, fn func())
}

// SpawnerFunc adapts a function to Spawner.
type SpawnerFunc func(name string, fn func())

func (f SpawnerFunc) Go(name string, fn func()) { f(name, fn) }
