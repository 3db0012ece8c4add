// Package logging provides structured logging for Bifrost.
//
// It is a thin layer over log/slog: JSON output for service deployments,
// text output for a terminal, and a service/version pair stamped on every
// entry.
//
// # Configuration
//
//	logging:
//	  level: "info"      # debug, info, warn, error
//	  format: "json"     # json, text
//	  output: "stdout"   # stdout, stderr, or a file path
//
// # Usage
//
//	logger := logging.New(cfg.Logging, "1.0.0")
//	logger.Info("starting service", "port", 8765)
//	logger.Component("poller").Debug("tick")
//
// Never log broker passwords. The bridge logs the broker URL and username
// only.
package logging
