package speech

// EventKind tags recognizer output so consumers never inspect vendor
// payload shapes.
type EventKind string

const (
	// EventTranscript carries the full transcript rebuilt from every
	// recognized segment so far, not a delta.
	EventTranscript EventKind = "transcript"
	// EventError reports a transient recognition failure; the recognizer is
	// back to idle when it is delivered.
	EventError EventKind = "error"
	// EventEnd signals a normal end of the listening session.
	EventEnd EventKind = "end"
)

// Event is one tagged recognizer result.
type Event struct {
	Kind       EventKind `json:"kind"`
	Transcript string    `json:"transcript,omitempty"`
	Err        error     `json:"-"`
}
