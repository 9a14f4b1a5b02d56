// Package util provides small helpers shared by the storage packages:
//   - functions: the FNV-1a string hash and file name derivation for origins
//   - statistics: a SizeHistogram tracking the value size distribution of a backend
package util
