package audioengine

import "sync/atomic"

// State is one of the five stream lifecycle states.
type State int32

const (
	StateStop State = iota
	StateSetupProducer
	StateSetupConsumer
	StateRun
	StateKeepAlive
)

func (s State) String() string {
	switch s {
	case StateStop:
		return "STOP"
	case StateSetupProducer:
		return "SETUP_PRODUCER"
	case StateSetupConsumer:
		return "SETUP_CONSUMER"
	case StateRun:
		return "RUN"
	case StateKeepAlive:
		return "KEEP_ALIVE"
	default:
		return "UNKNOWN"
	}
}

// StreamStateMachine tracks the five-state stream lifecycle. State is
// written only by the producer thread and read by the consumer thread;
// it's stored atomically so a racing read never observes a torn value,
// even though every state's pull behaviour is safe regardless (pull either
// writes exactly the requested frame count or returns 0 without writing).
type StreamStateMachine struct {
	s atomic.Int32
}

// NewStreamStateMachine returns a machine starting in STOP.
func NewStreamStateMachine() *StreamStateMachine {
	return &StreamStateMachine{}
}

// State returns the current state. Safe to call from either thread.
func (m *StreamStateMachine) State() State {
	return State(m.s.Load())
}

func (m *StreamStateMachine) setState(s State) {
	m.s.Store(int32(s))
}

// StartAction is what PlaybackEngine must do in response to a start event,
// as decided by StreamStateMachine.Start.
type StartAction int

const (
	StartNoop    StartAction = iota // already mid-setup, or KEEP_ALIVE with matching format: no allocation
	StartFresh                      // STOP -> SETUP_PRODUCER: allocate fresh
	StartRestart                    // RUN, or KEEP_ALIVE with a different format: tear down then allocate fresh
)

// Start evaluates the "start" event. keepAliveSameFormat is only consulted
// when the current state is KEEP_ALIVE.
func (m *StreamStateMachine) Start(keepAliveSameFormat bool) StartAction {
	switch m.State() {
	case StateStop:
		m.setState(StateSetupProducer)
		return StartFresh
	case StateSetupProducer, StateSetupConsumer:
		return StartNoop
	case StateRun:
		m.setState(StateSetupProducer)
		return StartRestart
	case StateKeepAlive:
		if keepAliveSameFormat {
			return StartNoop
		}
		m.setState(StateSetupProducer)
		return StartRestart
	default:
		return StartNoop
	}
}

// StopAction is what PlaybackEngine must do in response to a stop event.
type StopAction int

const (
	StopNoop       StopAction = iota // STOP or KEEP_ALIVE: nothing to do
	StopFreeNow                      // SETUP_PRODUCER/SETUP_CONSUMER -> STOP: free immediately
	StopToKeepAlive                  // RUN -> KEEP_ALIVE: retain buffers, reset resampler
)

// Stop evaluates the "stop" event.
func (m *StreamStateMachine) Stop() StopAction {
	switch m.State() {
	case StateSetupProducer, StateSetupConsumer:
		m.setState(StateStop)
		return StopFreeNow
	case StateRun:
		m.setState(StateKeepAlive)
		return StopToKeepAlive
	default:
		return StopNoop
	}
}

// PushAction is what PlaybackEngine must do in response to a producer push.
type PushAction int

const (
	PushIgnore PushAction = iota // STOP: ignore the call entirely
	PushFirst                    // SETUP_PRODUCER: first push, set targetStartFrames, open device, -> SETUP_CONSUMER
	PushNormal                   // SETUP_CONSUMER or RUN: normal processing
	PushResync                   // KEEP_ALIVE: resync slew, clear controller, -> RUN
)

// ProducerPush evaluates the "producer push" event.
func (m *StreamStateMachine) ProducerPush() PushAction {
	switch m.State() {
	case StateStop:
		return PushIgnore
	case StateSetupProducer:
		m.setState(StateSetupConsumer)
		return PushFirst
	case StateSetupConsumer, StateRun:
		return PushNormal
	case StateKeepAlive:
		m.setState(StateRun)
		return PushResync
	default:
		return PushIgnore
	}
}

// PullAction is what PlaybackEngine must do in response to a consumer pull.
type PullAction int

const (
	PullZero         PullAction = iota // STOP/SETUP_PRODUCER: return 0 frames
	PullPrefill                        // SETUP_CONSUMER, not yet enough buffered: keep prefilling
	PullRunTransition                  // SETUP_CONSUMER, enough buffered: -> RUN
	PullNormal                         // RUN or KEEP_ALIVE, not expired: normal pull
	PullExpired                        // KEEP_ALIVE, 30s silence consumed: -> STOP
)

// ConsumerPull evaluates the "consumer pull" event. ringReady is only
// consulted in SETUP_CONSUMER (ring count has reached targetStartFrames);
// keepAliveExpired is only consulted in KEEP_ALIVE.
func (m *StreamStateMachine) ConsumerPull(ringReady, keepAliveExpired bool) PullAction {
	switch m.State() {
	case StateStop, StateSetupProducer:
		return PullZero
	case StateSetupConsumer:
		if ringReady {
			m.setState(StateRun)
			return PullRunTransition
		}
		return PullPrefill
	case StateRun:
		return PullNormal
	case StateKeepAlive:
		if keepAliveExpired {
			m.setState(StateStop)
			return PullExpired
		}
		return PullNormal
	default:
		return PullZero
	}
}
