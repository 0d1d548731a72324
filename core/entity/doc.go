// Package entity implements the per-runner entity manager: it hosts
// stateful entities for the shards assigned to this process, routes
// inbound requests and control envelopes to them, tracks in-flight
// requests per entity, and recovers from handler crashes by rebuilding
// the handler in place and replaying the requests that were active at
// crash time.
//
// The manager does not execute handler code itself. Handlers run behind
// the [Transport] contract (see core/engine for the default in-process
// implementation) and report back through [Events]: replies, defects and
// the end-of-stream signal used during graceful teardown.
package entity
