// Package app assembles a single-process entity runner: engine, manager,
// message registry, idle reaper and an in-process caller, wired together
// with sensible defaults.
//
// # Basic Usage
//
//	a, err := app.Run(app.Config{
//	    Behavior: func(addr entity.Address) (engine.Behavior, error) {
//	        return engine.BehaviorFunc(handleRequest), nil
//	    },
//	    Messages: map[string]func() any{
//	        "increment": func() any { return &Increment{} },
//	    },
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer a.Stop()
//
//	call, err := a.Request(ctx, a.AddressFor("Counter", "c-1"), "increment", Increment{Amount: 2})
//	chunks, exit, err := call.Collect(ctx)
//
// For distributed deployments, skip this package and wire the manager to
// a network listener (see adapters/nats) instead of the in-process
// caller.
package app
