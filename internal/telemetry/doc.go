// Package telemetry provides OpenTelemetry tracing and metrics for medagent.
//
// Spans cover a research run, each reasoning step and each gateway call.
// Meters record run and step durations, iteration counts and LLM
// completions. Data is exported over OTLP (gRPC or HTTP) to a collector.
//
// # Usage
//
//	tel, err := telemetry.New(ctx, telemetry.FromSettings(cfg.Telemetry), logger)
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(ctx)
//
// Instrumented packages use the global providers through otel.Tracer and
// otel.Meter, so they need no reference to a Telemetry value.
//
// # Configuration
//
//	telemetry:
//	  enabled: true
//	  endpoint: "localhost:4317"
//	  protocol: grpc          # or http/protobuf
//	  sample_rate: 1.0
//	  export_interval: "15s"
//
// # Error Handling
//
// Exporter setup failures never stop the application. Telemetry degrades to
// the no-op providers and reports the failure through Health.
package telemetry
