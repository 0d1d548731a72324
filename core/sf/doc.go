// Package sf provides a generic single-flight mechanism for deduplicating
// concurrent function calls with the same key.
//
// Single-flight ensures that only one execution of a function is in-flight
// for a given key at a time. If multiple goroutines call [Singleflight.Do]
// with the same key concurrently, only the first call executes the function;
// subsequent callers block until the first call completes and then receive
// the same result.
//
// This pattern is useful for:
//   - Serializing first-time setup of keyed resources (one live entity
//     runtime per address)
//   - Preventing thundering herd problems on cache misses
//   - Deduplicating expensive operations like database queries
//
// # Usage
//
//	flight := sf.New[EntityState]()
//
//	// Multiple concurrent calls with the same key will only execute once
//	st, err := flight.Do(addr.Key(), func() (*EntityState, error) {
//	    return createEntity(addr)
//	})
//
// The generic type parameter T allows type-safe returns without casting.
package sf
