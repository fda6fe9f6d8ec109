// Package logger provides structured logging utilities built on Go's
// standard slog package: a small factory with environment presets and a set
// of nil-safe attribute helpers for common fields.
//
// # Basic Usage
//
//	log := logger.New(logger.WithProduction("dispatch"))
//
//	log.Info("job completed",
//		logger.Queue("ketmar-notifications"),
//		logger.JobName("send-message"),
//		logger.Duration(time.Since(start)),
//	)
//
// Attribute helpers return an empty Attr for zero values, so error and ID
// fields can be passed unconditionally:
//
//	log.Error("claim failed", logger.Error(err), logger.JobID(id))
//
// # Testing with Custom Output
//
//	var buf bytes.Buffer
//	log := logger.New(logger.WithJSONFormatter(), logger.WithOutput(&buf))
package logger
