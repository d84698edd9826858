// Package metrics records signing, verification and revocation activity.
package metrics

import "time"

// Recorder receives measurements. Implementations must be safe for
// concurrent use.
type Recorder interface {
	// RecordSignature records a signature production attempt.
	RecordSignature(method string, success bool)
	// RecordVerification records a verification verdict. kind is empty for
	// valid verdicts.
	RecordVerification(valid bool, kind string)
	// RecordRevocationLookup records a revocation provider call.
	RecordRevocationLookup(source, status string, duration time.Duration)
	// RecordRevocationCache records a revocation cache lookup.
	RecordRevocationCache(hit bool)
}

// Or returns r, or a no-op recorder when r is nil.
func Or(r Recorder) Recorder {
	if r == nil {
		return NewNoopRecorder()
	}
	return r
}
