package echosift

import "errors"

var (
	// ErrAudioUnavailable means no usable magnitude grid was supplied;
	// the audio collaborator failed upstream of the engine.
	ErrAudioUnavailable = errors.New("audio unavailable: empty magnitude grid")

	// ErrNoFingerprints means an operation was handed zero fingerprints:
	// nothing to index, nothing to match. Distinct from a query that runs
	// and finds no match, which is a successful result.
	ErrNoFingerprints = errors.New("no fingerprints generated")
)
