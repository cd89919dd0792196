// Package pkg provides shared utilities for the softheci HECI bus.
//
// This package contains common functionality used by the firmware-side bus,
// the host-side driver, and the transports, including:
//
//   - Structured logging via [go.uber.org/zap]
//   - Sentinel error types for HECI protocol errors
//   - Component identifiers for log filtering
//
// # Logging
//
// The logging subsystem wraps a sugared zap logger with component context:
//
//	pkg.SetLogLevel(zapcore.DebugLevel)
//	pkg.LogInfo(pkg.ComponentBus, "client registered", "address", 0x20)
//
// File outputs with rotation are configured through [ConfigureLogging].
//
// # Errors
//
// Common HECI errors are defined as sentinel values:
//
//	if errors.Is(err, pkg.ErrNoCredit) {
//	    // Host did not grant flow-control credit in time
//	}
package pkg
