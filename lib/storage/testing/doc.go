// Package testing provides a conformance suite for storage.IStore
// implementations. Every persistence flavour (file store with each codec,
// bolt store, in-memory store) runs the same suite through RunStoreTests.
package testing
