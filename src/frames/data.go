package frames

// DataFrame is the base for audio and text frames
type DataFrame struct {
	*BaseFrame
}

func (f *DataFrame) Category() FrameCategory {
	return DataCategory
}

func newDataFrame(name string) *DataFrame {
	return &DataFrame{BaseFrame: NewBaseFrame(name)}
}

// InputAudioFrame is caller audio as received: 8 kHz mu-law
type InputAudioFrame struct {
	*DataFrame
	Payload []byte
}

func NewInputAudioFrame(payload []byte) *InputAudioFrame {
	return &InputAudioFrame{
		DataFrame: newDataFrame("InputAudioFrame"),
		Payload:   payload,
	}
}

// OutputAudioFrame is AI audio as received: little-endian PCM16 at the
// backend's output rate
type OutputAudioFrame struct {
	*DataFrame
	PCM []byte
}

func NewOutputAudioFrame(pcm []byte) *OutputAudioFrame {
	return &OutputAudioFrame{
		DataFrame: newDataFrame("OutputAudioFrame"),
		PCM:       pcm,
	}
}

// OutputTextFrame is a text delta from the AI
type OutputTextFrame struct {
	*DataFrame
	Text string
}

func NewOutputTextFrame(text string) *OutputTextFrame {
	return &OutputTextFrame{
		DataFrame: newDataFrame("OutputTextFrame"),
		Text:      text,
	}
}

// TelephonyAudioFrame is mu-law audio addressed to a telephony stream
type TelephonyAudioFrame struct {
	*DataFrame
	StreamSid string
	Payload   []byte
}

func NewTelephonyAudioFrame(streamSid string, payload []byte) *TelephonyAudioFrame {
	return &TelephonyAudioFrame{
		DataFrame: newDataFrame("TelephonyAudioFrame"),
		StreamSid: streamSid,
		Payload:   payload,
	}
}
