// Package logging provides structured, run-correlated logging for prgate.
//
// # Overview
//
// Logging wraps Zap with:
//   - Custom Trace level (-2, below Debug) for per-attempt command detail
//   - Stderr output (stdout is reserved for the verdict and reports)
//   - Optional OpenTelemetry log bridge
//   - Automatic context fields (trace_id, run.id, stage, step)
//   - Redaction of secret-looking fields such as tokens in env overrides
//
// # Usage
//
//	logger, err := logging.NewLogger(cfg.Logging, nil)
//	if err != nil {
//	    return err
//	}
//	defer logger.Sync()
//
//	ctx = logging.WithRunID(ctx, run.ID)
//	ctx = logging.WithStage(ctx, "build")
//	logger.Info(ctx, "step finished", zap.String("cache", "hit"))
//
// Output:
//
//	{"level":"info","ts":"...","msg":"step finished","run.id":"6f1c...","stage":"build","cache":"hit"}
//
// # Testing
//
//	tl := logging.NewTestLogger()
//	tl.Info(ctx, "retrying step")
//	tl.AssertLogged(t, zapcore.InfoLevel, "retrying")
//
// Logger is safe for concurrent use. With and Named return independent
// children.
package logging
