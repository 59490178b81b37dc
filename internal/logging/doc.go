// Package logging provides structured logging with OpenTelemetry integration.
//
// # Overview
//
// Logger wraps Zap with:
//   - Context field injection (trace_id, span_id, run_id, step, request_id)
//   - Dual output (stdout and the OpenTelemetry log bridge)
//   - Redaction of API keys and other secrets
//   - Sampling below error level
//
// # Usage
//
//	cfg := logging.NewDefaultConfig()
//	logger, err := logging.NewLogger(cfg, nil)
//	if err != nil {
//	    return err
//	}
//	defer logger.Sync()
//
//	ctx = logging.WithRunID(ctx, runID)
//	logger.Info(ctx, "research run started", zap.String("query", q))
//
// Packages that only need a plain *zap.Logger get one from Underlying.
package logging
