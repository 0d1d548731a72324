// Package keyed provides a lazy keyed resource cache with single-flight
// creation and explicit teardown hooks.
//
// Typical use-case: one live runtime object per entity address, created
// on the first message for that address and torn down by eviction.
package keyed
