package metrics

import "time"

// Histogram bucket configuration constants
const (
	// BucketStart1ms is the starting bucket for 1ms histograms (1ms to ~1s range)
	BucketStart1ms = 0.001
	// BucketStart64B is the starting bucket for 64 byte histograms
	BucketStart64B = 64.0
	// BucketFactor2 is the common exponential growth factor for histogram buckets
	BucketFactor2 = 2
	// BucketCount10 defines 10 exponential buckets
	BucketCount10 = 10
)

// ShutdownTimeout bounds graceful shutdown of the metrics endpoint
const ShutdownTimeout = 5 * time.Second
