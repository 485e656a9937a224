// Package engine measures end-user network performance over HTTP.
//
// One Tester.Run call is one session: a fixed sequence of ping, download and
// upload phases, each reducing its raw samples to a scalar (trimmed-mean
// latency with population-stddev jitter, running-mean throughput) while
// emitting rate-limited Progress events for live consumers. Phases degrade
// to zero on network failure; only cancellation and configuration errors
// surface from Run.
//
// The ookla subpackage provides an alternate Engine backed by speedtest.net
// infrastructure behind the same interface.
package engine
