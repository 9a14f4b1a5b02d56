package util

import (
	"sync"
)

// ----------------------------------------------------------------------------
// SizeHistogram
// ----------------------------------------------------------------------------

const (
	minBucketBits = 4  // the first bucket holds sizes up to 16 bytes
	sizeBuckets   = 12 // 11 bounded buckets (16B, 64B, ..., 16MiB) plus one for larger values
)

// bucketBound returns the largest size counted in bucket i. Bounds grow by a
// factor of four, the last bucket is unbounded.
func bucketBound(i int) int {
	return 1 << (minBucketBits + 2*i)
}

// SizeHistogram counts the sizes of stored values in power-of-four buckets.
// It answers average and percentile questions without keeping the samples.
//
// Thread-safe: all methods are safe for concurrent use.
type SizeHistogram struct {
	mu     sync.Mutex
	counts [sizeBuckets]int64
	n      int64
	sum    int64
	max    int
}

// NewSizeHistogram creates an empty histogram.
func NewSizeHistogram() *SizeHistogram {
	return &SizeHistogram{}
}

// AddSample records one value size.
func (h *SizeHistogram) AddSample(size int) {
	i := 0
	for i < sizeBuckets-1 && size > bucketBound(i) {
		i++
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.counts[i]++
	h.n++
	h.sum += int64(size)
	h.max = max(h.max, size)
}

// Samples returns the number of recorded sizes.
func (h *SizeHistogram) Samples() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.n
}

// AverageSize returns the mean of all recorded sizes, 0 without samples.
func (h *SizeHistogram) AverageSize() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.n == 0 {
		return 0
	}
	return int(h.sum / h.n)
}

// Percentile returns an upper estimate for the p-th percentile (0-100): the
// bound of the bucket holding it, capped by the largest recorded size.
func (h *SizeHistogram) Percentile(p int) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.n == 0 || p < 0 || p > 100 {
		return 0
	}

	// rank of the sample we look for, 1-based and rounded up
	rank := max((h.n*int64(p)+99)/100, 1)
	seen := int64(0)
	for i, c := range h.counts {
		seen += c
		if seen >= rank && i < sizeBuckets-1 {
			return min(bucketBound(i), h.max)
		}
	}
	return h.max
}
