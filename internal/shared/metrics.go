package shared

// TransitionRecorder counts aggregate state transitions.
type TransitionRecorder interface {
	Transition(entity, action string)
}

// NopRecorder discards transitions.
type NopRecorder struct{}

// Transition implements TransitionRecorder.
func (NopRecorder) Transition(string, string) {}
