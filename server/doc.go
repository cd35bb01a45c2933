// Package server wires the Signal K delta pipeline and is the entry point
// for providers.
//
// A delta handed to HandleMessage is completed (context, $source,
// timestamp), filtered by source precedence and then run through one of
// two ingestion chains:
//
//	provider -> HandleMessage -> priority.Resolver -> chain v1 -> document.AddDelta -> streambundle
//	                                               \-> chain v2 -> document.Emit ----/
//
// The bus feeds the delta cache and every subscription. Ingestion is
// serialized, so subscribers observe deltas one at a time in arrival order.
//
// Server is a component.LifecycleComponent. Start runs context pruning
// every minute and the delta statistics every five seconds; the pipeline
// itself works without Start.
//
//	srv, err := server.New(cfg.Settings, server.WithLogger(logger), server.WithMetrics(metrics))
//	if err != nil {
//		return err
//	}
//	srv.HandleMessage("nmea0183", d, server.V1)
//
// Source priorities are replaced at runtime with ActivateSourcePriorities or
// by feeding config.Manager updates to WatchSourcePriorities.
package server
