// Package logging builds slog loggers from the logging section of the
// configuration.
package logging
