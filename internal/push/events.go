package push

// Event is a derived signal about the push subsystem.
type Event int

const (
	SubsystemUp Event = iota
	SubsystemDown
	RetryableError
	NonRetryableError
	SubsystemDisabled
)

func (e Event) String() string {
	switch e {
	case SubsystemUp:
		return "PUSH_SUBSYSTEM_UP"
	case SubsystemDown:
		return "PUSH_SUBSYSTEM_DOWN"
	case RetryableError:
		return "PUSH_RETRYABLE_ERROR"
	case NonRetryableError:
		return "PUSH_NONRETRYABLE_ERROR"
	case SubsystemDisabled:
		return "PUSH_SUBSYSTEM_DISABLED"
	default:
		return "PUSH_UNKNOWN"
	}
}

// Emitter receives derived events.
type Emitter interface {
	Emit(ev Event)
}

// EmitterFunc adapts a function to Emitter.
type EmitterFunc func(ev Event)

func (f EmitterFunc) Emit(ev Event) { f(ev) }
