// Package telemetry traces the completion protocol with OpenTelemetry.
//
// Components take a *Tracer through their options. Without one they use
// Noop, so tracing costs nothing unless Init installs an exporter.
//
// Spans:
//
//	completion.submit   one per Submit, from encode to enqueue
//	completion.scan     one per store scan that consumes results
//	executor.execute    one per delivery, from decode to persist
//
// Each span carries the parent and future ids. Trace context crosses a
// push delivery in the standard W3C headers of the HTTP request.
package telemetry
