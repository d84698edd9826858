package metrics

import "time"

// NoopRecorder discards all measurements.
type NoopRecorder struct{}

// NewNoopRecorder creates a new no-op recorder.
func NewNoopRecorder() *NoopRecorder {
	return &NoopRecorder{}
}

func (n *NoopRecorder) RecordSignature(method string, success bool) {}

func (n *NoopRecorder) RecordVerification(valid bool, kind string) {}

func (n *NoopRecorder) RecordRevocationLookup(source, status string, duration time.Duration) {}

func (n *NoopRecorder) RecordRevocationCache(hit bool) {}

var _ Recorder = (*NoopRecorder)(nil)
