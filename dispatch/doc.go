// Package dispatch moves encoded task envelopes from the submitting
// process to workers.
//
// A Dispatcher enqueues opaque payloads on a named destination. A Source
// hands those payloads to workers as Deliveries, which the worker must
// Ack once the task outcome is durably recorded. Delivery is at least
// once: a Nak (or an ack timeout, for JetStream) redelivers the payload,
// with the attempt number carried on the Delivery.
//
// # Backends
//
//   - MemoryQueue: in-process channels, competing consumers per destination
//   - JetStreamQueue: NATS JetStream work-queue stream with one durable
//     consumer per destination
//
// # Usage
//
//	q := dispatch.NewMemoryQueue(dispatch.DefaultConfig())
//	_ = q.Enqueue(ctx, "default", payload)
//
//	c, _ := q.Consume(ctx, "default")
//	for d := range c.Deliveries() {
//	    handle(d.Payload())
//	    d.Ack()
//	}
package dispatch
