package pipeline

type State string

const (
	StateReceived         State = "received"
	StateRouted           State = "routed"
	StateGenerated        State = "generated"
	StateValidated        State = "validated"
	StateExecuted         State = "executed"
	StateCompleted        State = "completed"
	StateGenerationFailed State = "generation_failed"
	StateRejected         State = "rejected"
	StateExecutionFailed  State = "execution_failed"
)

func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateGenerationFailed, StateRejected, StateExecutionFailed:
		return true
	default:
		return false
	}
}
