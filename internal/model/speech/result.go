package speech

// TTSResult is the outcome of a one-shot synthesis call.
type TTSResult struct {
	Audio      []byte `json:"-"`
	Format     string `json:"format"`
	SampleRate int    `json:"sampleRate"`
	Duration   int64  `json:"duration"` // milliseconds
	RequestID  string `json:"requestId,omitempty"`
}
