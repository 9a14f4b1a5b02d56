// Package cmd implements the command-line interface of wstore. It opens the
// storage engine for a single command, runs it against the table of one
// origin and writes all pending modifications before the process exits.
//
// The package is organized into several subpackages:
//
//   - kv: Commands for table operations (get, set, remove, clear, keys, ...)
//     and a small benchmark (perf)
//   - quota: Show and override the quota policy of an origin
//   - stats: Size, quota and state of a table, optionally with metrics
//   - util: Shared flags, configuration and the terminal quota prompt (internal use)
//
// See wstore -help for a list of all commands.
package cmd
