// Package logx is listingwatch's structured logging on top of zerolog.
//
// Loggers are values carrying fixed fields (logx.String("comp", "notifier")).
// A Service owns the sinks (console, JSON console, log file) and swaps them
// on config reload without invalidating Loggers handed out earlier.
package logx
