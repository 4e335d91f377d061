// Package cli implements the interactive scankeeper REPL: login, logout,
// lock/unlock, session status, and document capture commands over the
// kernel services.
package cli
