package frames

// SystemFrame is the base for lifecycle frames
type SystemFrame struct {
	*BaseFrame
}

func (f *SystemFrame) Category() FrameCategory {
	return SystemCategory
}

func newSystemFrame(name string) *SystemFrame {
	return &SystemFrame{BaseFrame: NewBaseFrame(name)}
}

// CallStartFrame carries the identifiers from the telephony "start" event
type CallStartFrame struct {
	*SystemFrame
	CallSid          string
	StreamSid        string
	AccountSid       string
	CustomParameters map[string]string
}

func NewCallStartFrame(callSid, streamSid, accountSid string, params map[string]string) *CallStartFrame {
	return &CallStartFrame{
		SystemFrame:      newSystemFrame("CallStartFrame"),
		CallSid:          callSid,
		StreamSid:        streamSid,
		AccountSid:       accountSid,
		CustomParameters: params,
	}
}

// CallStopFrame signals the telephony stream ended (stop event or socket close)
type CallStopFrame struct {
	*SystemFrame
	Reason string
}

func NewCallStopFrame(reason string) *CallStopFrame {
	return &CallStopFrame{
		SystemFrame: newSystemFrame("CallStopFrame"),
		Reason:      reason,
	}
}

// UpstreamOpenFrame signals the AI connection is configured and ready
type UpstreamOpenFrame struct {
	*SystemFrame
}

func NewUpstreamOpenFrame() *UpstreamOpenFrame {
	return &UpstreamOpenFrame{SystemFrame: newSystemFrame("UpstreamOpenFrame")}
}

// UpstreamClosedFrame signals the AI connection dropped
type UpstreamClosedFrame struct {
	*SystemFrame
	Error error
}

func NewUpstreamClosedFrame(err error) *UpstreamClosedFrame {
	return &UpstreamClosedFrame{
		SystemFrame: newSystemFrame("UpstreamClosedFrame"),
		Error:       err,
	}
}

// ErrorFrame carries an error reported by the AI backend
type ErrorFrame struct {
	*SystemFrame
	Error error
}

func NewErrorFrame(err error) *ErrorFrame {
	return &ErrorFrame{
		SystemFrame: newSystemFrame("ErrorFrame"),
		Error:       err,
	}
}
