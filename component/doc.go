// Package component defines the lifecycle shared by the server core and its
// network interfaces, and a Manager that runs them.
//
// Every component reports Meta, Health and DataFlow so that the health
// monitor and the metrics endpoint can describe it. Lifecycle components
// follow one pattern:
//
//	Initialize() error                  // setup only, no context
//	Start(ctx context.Context) error    // returns once running
//	Stop(timeout time.Duration) error   // graceful, idempotent
//
// The Manager starts components in registration order and stops them in
// reverse:
//
//	mgr := component.NewManager(component.WithManagerLogger(logger))
//	_ = mgr.Register("server", srv)
//	_ = mgr.Register("ws", wsInterface)
//	if err := mgr.Initialize(); err != nil {
//		return err
//	}
//	if err := mgr.Start(ctx); err != nil {
//		return err
//	}
//	defer mgr.Stop(10 * time.Second)
//
// StandardLifecycleTests checks a component against the pattern and is
// meant to be called from each implementation's tests.
package component
