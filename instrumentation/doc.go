// Package instrumentation provides OpenTelemetry instrumentation for the
// gateway: counters and histograms for flow, upstream and storage
// operations, plus tracing helpers with credential-safe attribute keys.
//
// # Usage
//
//	inst, err := instrumentation.New(instrumentation.Config{
//		ServiceName:    "credgate",
//		ServiceVersion: "1.0.0",
//		Enabled:        true,
//	})
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer inst.Shutdown(context.Background())
//
// Recording sites call through Metrics:
//
//	inst.Metrics().RecordCodeMinted(ctx, clientID)
//
// Providers are currently no-op; wiring an exporter (Prometheus, OTLP)
// happens inside New without changing any recording call site. With
// Enabled false everything is a no-op with zero allocation on the hot
// path.
package instrumentation
