// Error wrapping follows one format everywhere:
//
//	errs.Wrap(err, "Resolver", "Build", "parse source ranking")
//	// Resolver.Build: parse source ranking failed: <cause>
//
// Classified variants (WrapTransient, WrapInvalid, WrapFatal) carry the class
// so that retry loops and message handlers can decide what to do:
//
//	if errs.IsInvalid(err) {
//		// drop the delta, log at warn
//	}
//
// Sentinel errors cover the conditions callers test for with errors.Is, for
// example ErrUnsupportedUnsubscribe returned by the subscription manager.
package errors
