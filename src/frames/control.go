package frames

// ControlFrame is the base for markers and timer events
type ControlFrame struct {
	*BaseFrame
}

func (f *ControlFrame) Category() FrameCategory {
	return ControlCategory
}

func newControlFrame(name string) *ControlFrame {
	return &ControlFrame{BaseFrame: NewBaseFrame(name)}
}

// InterruptionFrame signals the caller started speaking over the AI
type InterruptionFrame struct {
	*ControlFrame
}

func NewInterruptionFrame() *InterruptionFrame {
	return &InterruptionFrame{ControlFrame: newControlFrame("InterruptionFrame")}
}

// ResponseEndFrame marks the end of an AI response
type ResponseEndFrame struct {
	*ControlFrame
}

func NewResponseEndFrame() *ResponseEndFrame {
	return &ResponseEndFrame{ControlFrame: newControlFrame("ResponseEndFrame")}
}

// KeepaliveTickFrame asks the session to emit one silence frame
type KeepaliveTickFrame struct {
	*ControlFrame
}

func NewKeepaliveTickFrame() *KeepaliveTickFrame {
	return &KeepaliveTickFrame{ControlFrame: newControlFrame("KeepaliveTickFrame")}
}

// GreetingTimeoutFrame fires when no AI audio arrived within the greeting window
type GreetingTimeoutFrame struct {
	*ControlFrame
}

func NewGreetingTimeoutFrame() *GreetingTimeoutFrame {
	return &GreetingTimeoutFrame{ControlFrame: newControlFrame("GreetingTimeoutFrame")}
}

// ClearAudioFrame tells the telephony side to discard buffered playback
type ClearAudioFrame struct {
	*ControlFrame
	StreamSid string
}

func NewClearAudioFrame(streamSid string) *ClearAudioFrame {
	return &ClearAudioFrame{ControlFrame: newControlFrame("ClearAudioFrame"), StreamSid: streamSid}
}

// MarkFrame is a playback marker echoed by the telephony side
type MarkFrame struct {
	*ControlFrame
	Mark string
}

func NewMarkFrame(name string) *MarkFrame {
	return &MarkFrame{ControlFrame: newControlFrame("MarkFrame"), Mark: name}
}
