// Package completion is the client side of the completion service: submit
// tasks for remote execution and receive their results in the order they
// finish.
//
// A Coordinator groups everything it submits under one parent id. Results
// come back through one of two channels:
//
//   - the Handle returned by Submit, which polls its own record
//   - the Coordinator's Poll/Take stream, which scans for any completed
//     record under the parent
//
// Both read the same record and reading consumes it. Each submitted task's
// result is therefore delivered to exactly one of those channels, never both.
// Pick one per task; a Handle whose result was taken by Poll stays pending.
//
// # Ordering
//
// Scans push what they find onto the front of a ready deque and pollers pop
// from the front, so the most recently discovered result is served first.
//
// # Usage
//
//	coord, _ := completion.New[int](st, queue, reg,
//	    completion.WithLogger(log),
//	    completion.WithPollPolicy(completion.DefaultPollPolicy()))
//	defer coord.Close()
//
//	for i := 0; i < 10; i++ {
//	    coord.Submit(ctx, &SumRange{From: 1, To: i})
//	}
//	for i := 0; i < 10; i++ {
//	    f, _ := coord.Take(ctx)
//	    v, err := f.Get(ctx)
//	    ...
//	}
//
// A parent id must be polled by at most one Coordinator at a time.
// Concurrent submitters under one parent are safe.
package completion
