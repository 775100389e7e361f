package vad

// Listener observes an Engine. For a single tick the engine calls
// OnVolumeUpdate first, then OnStateChange if the state moved, then
// OnSpeechStart or OnSpeechEnd if the move entered speaking or left
// pending_silence for silent.
//
// Callbacks run synchronously on the ticking goroutine and must not call
// back into the Engine or the Runner driving it.
type Listener interface {
	OnVolumeUpdate(db float64)
	OnStateChange(state State)
	OnSpeechStart()
	OnSpeechEnd()
}

// Callbacks adapts optional functions to a Listener. Nil fields are skipped.
type Callbacks struct {
	VolumeUpdate func(db float64)
	StateChange  func(state State)
	SpeechStart  func()
	SpeechEnd    func()
}

func (c Callbacks) OnVolumeUpdate(db float64) {
	if c.VolumeUpdate != nil {
		c.VolumeUpdate(db)
	}
}

func (c Callbacks) OnStateChange(state State) {
	if c.StateChange != nil {
		c.StateChange(state)
	}
}

func (c Callbacks) OnSpeechStart() {
	if c.SpeechStart != nil {
		c.SpeechStart()
	}
}

func (c Callbacks) OnSpeechEnd() {
	if c.SpeechEnd != nil {
		c.SpeechEnd()
	}
}

// Listeners fans each callback out to every listener in order.
type Listeners []Listener

func (ls Listeners) OnVolumeUpdate(db float64) {
	for _, l := range ls {
		l.OnVolumeUpdate(db)
	}
}

func (ls Listeners) OnStateChange(state State) {
	for _, l := range ls {
		l.OnStateChange(state)
	}
}

func (ls Listeners) OnSpeechStart() {
	for _, l := range ls {
		l.OnSpeechStart()
	}
}

func (ls Listeners) OnSpeechEnd() {
	for _, l := range ls {
		l.OnSpeechEnd()
	}
}

// EventType tags an Event
type EventType int

const (
	EventVolumeUpdate EventType = iota
	EventStateChange
	EventSpeechStart
	EventSpeechEnd
)

// String returns the event name
func (t EventType) String() string {
	switch t {
	case EventVolumeUpdate:
		return "volume_update"
	case EventStateChange:
		return "state_change"
	case EventSpeechStart:
		return "speech_start"
	case EventSpeechEnd:
		return "speech_end"
	default:
		return "unknown"
	}
}

// Event is a single engine notification. Volume is set for EventVolumeUpdate,
// State for EventStateChange.
type Event struct {
	Type   EventType
	Volume float64
	State  State
}

// ChannelListener delivers engine notifications as Events on a buffered channel.
// Volume updates are dropped when the buffer is full; transition events block
// until the consumer makes room, so the consumer must keep draining Events.
type ChannelListener struct {
	events  chan Event
	dropped uint64
}

// NewChannelListener creates a channel listener with the given buffer size
func NewChannelListener(size int) *ChannelListener {
	if size < 1 {
		size = 1
	}
	return &ChannelListener{events: make(chan Event, size)}
}

// Events returns the receive side of the event channel
func (c *ChannelListener) Events() <-chan Event {
	return c.events
}

// Dropped returns how many volume updates were discarded. It must be read from
// the ticking goroutine or after ticking has stopped.
func (c *ChannelListener) Dropped() uint64 {
	return c.dropped
}

func (c *ChannelListener) OnVolumeUpdate(db float64) {
	select {
	case c.events <- Event{Type: EventVolumeUpdate, Volume: db}:
	default:
		c.dropped++
	}
}

func (c *ChannelListener) OnStateChange(state State) {
	c.events <- Event{Type: EventStateChange, State: state}
}

func (c *ChannelListener) OnSpeechStart() {
	c.events <- Event{Type: EventSpeechStart}
}

func (c *ChannelListener) OnSpeechEnd() {
	c.events <- Event{Type: EventSpeechEnd}
}
