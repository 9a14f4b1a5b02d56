// Package table provides the in-memory keyed table a Web Storage backend
// works on.
//
// A Table pairs a hash view (key -> entry, O(1) lookup) with an
// insertion-ordered view (O(1) index access, ordered iteration). Every mutation
// updates both views or neither; if the ordered insert fails after the hash
// insert succeeded, the hash insert is rolled back before the error is returned.
//
// The table also tracks the used size of its pairs. Two size models exist:
//
//   - SizeSerialized: the estimated on-disk cost of a value is
//     ceil(4*len/3) + TagOverhead, a pair costs key + value + ItemOverhead.
//   - SizeInMemory: the raw length plus HeaderOverhead per value.
//
// Persistent backends use the serialized model, volatile backends the in-memory one.
package table
