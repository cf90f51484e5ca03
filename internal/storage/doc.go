// Package storage persists background task status and run history.
//
// The supervisor keeps nothing on disk itself; the Recorder listens to
// bgp.status events and writes them to the configured Store.
package storage
