// Package bgp supervises the hub's background processes.
//
// A Supervisor keeps a registry of named tasks. A single tick loop decides
// which Scheduled tasks are due (once, fixed period, dynamic predicate or
// cron) and hands them to workers; every run is isolated so that an error or
// panic only moves its own task to the Error state.
//
// State machine:
//
//	Scheduled -> Running -> Scheduled | Done | Error
//	Running   -> Stopping -> Stopped   (stop, bounded by the grace period)
//	Scheduled | Error -> Stopped
//	Stopped | Error   -> Scheduled     (restart)
//
// Transitions are reported in order through Options.OnStatusChange and as
// eventbus.TypeStatus events, always outside the registry lock.
package bgp
