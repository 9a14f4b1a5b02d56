// Package common provides the pieces shared by the command line tool and
// embedding applications: the engine configuration and the custom logging
// implementation integrated with dragonboats logger package.
//
// Key Components:
//
//   - EngineConfig: configuration of storage location, persistence backend,
//     codec, flush timing, quota defaults and logging. It converts itself
//     into backend options and opens the configured persist.Store.
//
//   - PolicyFile: quota policy store that keeps per-origin overrides in a
//     JSON file of the data dir, so quota decisions outlive the process.
//
//   - Logger: custom ILogger implementation giving every engine package a
//     named logger with consistent formatting.
package common
