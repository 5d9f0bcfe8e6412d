// Package telemetry initializes OpenTelemetry tracing and metrics for the
// daemon. Export goes to an OTLP collector over gRPC or HTTP, and failures
// degrade to no-op providers rather than blocking startup.
package telemetry
