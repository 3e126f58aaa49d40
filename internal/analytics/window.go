package analytics

import "anomaly-service/internal/models"

// SlidingWindow is a fixed-capacity ring buffer of samples. Once full, each
// Add evicts the oldest sample. It is not safe for concurrent use; callers
// synchronise through HistoryStore.
type SlidingWindow struct {
	samples []models.Sample
	size    int
	index   int
	count   int
	sum     float64
}

// NewSlidingWindow creates a window holding at most size samples.
func NewSlidingWindow(size int) *SlidingWindow {
	if size <= 0 {
		size = DefaultHistorySize
	}
	return &SlidingWindow{
		samples: make([]models.Sample, size),
		size:    size,
	}
}

// Add appends a sample, evicting the oldest one when the window is full.
func (sw *SlidingWindow) Add(s models.Sample) {
	if sw.count >= sw.size {
		sw.sum -= sw.samples[sw.index].Value
	} else {
		sw.count++
	}

	sw.samples[sw.index] = s
	sw.sum += s.Value

	sw.index = (sw.index + 1) % sw.size
}

// Samples returns a copy of the window contents, oldest first.
func (sw *SlidingWindow) Samples() []models.Sample {
	out := make([]models.Sample, sw.count)
	start := 0
	if sw.count == sw.size {
		start = sw.index
	}
	for i := 0; i < sw.count; i++ {
		out[i] = sw.samples[(start+i)%sw.size]
	}
	return out
}

// Values returns a copy of the sample values, oldest first.
func (sw *SlidingWindow) Values() []float64 {
	values, _ := models.SplitSamples(sw.Samples())
	return values
}

// Mean returns the rolling average of the window.
func (sw *SlidingWindow) Mean() float64 {
	if sw.count == 0 {
		return 0
	}
	return sw.sum / float64(sw.count)
}

// Count returns the number of samples held.
func (sw *SlidingWindow) Count() int {
	return sw.count
}
