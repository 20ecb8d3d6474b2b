// Package shutdown stops a completionkit process in phases.
//
// Components register under a phase. On Shutdown, or on SIGTERM/SIGINT
// once HandleSignals is running, phases run in ascending order and the
// handlers within a phase run concurrently:
//
//	coord := shutdown.New(shutdown.DefaultConfig(), log)
//	coord.Register("endpoint", shutdown.PhaseIntake, server)
//	coord.Register("worker", shutdown.PhaseDrain, shutdown.Func(stopWorker))
//	coord.Register("backends", shutdown.PhaseBackends, backends)
//	go coord.HandleSignals(ctx)
//	<-coord.Done()
//
// A worker registered in PhaseDrain should stop consuming and wait for
// in-flight deliveries. Anything it has not acknowledged is redelivered by
// the queue after restart, and recording an outcome twice is harmless.
package shutdown
