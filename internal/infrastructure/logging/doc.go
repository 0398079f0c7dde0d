// Package logging sets up the control room's slog logger.
//
// Records go to stdout or stderr as JSON (or text, for development) and
// carry service and version fields. When logging.sink is enabled every
// record is also sent, always as JSON, to the log sink process:
//
//	logging:
//	  level: "info"      # debug, info, warn, error
//	  format: "json"     # json, text
//	  output: "stdout"   # stdout, stderr
//	  sink:
//	    enabled: true
//	    address: "127.0.0.1:9020"
//
// The sink is started by the control room and outlives neither startup
// nor shutdown windows reliably, so SinkWriter drops records while it is
// unreachable and retries with exponential backoff. Logging never blocks
// on it for longer than one dial timeout.
//
//	logger := logging.New(cfg.Logging, version)
//	defer logger.Close()
//	logger.Info("module connected", "module", name)
package logging
