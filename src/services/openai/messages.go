package openai

// Client events

type sessionUpdate struct {
	Type    string        `json:"type"`
	EventID string        `json:"event_id,omitempty"`
	Session sessionParams `json:"session"`
}

type sessionParams struct {
	Modalities        []string       `json:"modalities,omitempty"`
	Instructions      string         `json:"instructions,omitempty"`
	Voice             string         `json:"voice,omitempty"`
	InputAudioFormat  string         `json:"input_audio_format,omitempty"`
	OutputAudioFormat string         `json:"output_audio_format,omitempty"`
	Temperature       float64        `json:"temperature,omitempty"`
	TurnDetection     *turnDetection `json:"turn_detection,omitempty"`
}

type turnDetection struct {
	Type              string  `json:"type"`
	Threshold         float64 `json:"threshold,omitempty"`
	PrefixPaddingMs   int     `json:"prefix_padding_ms,omitempty"`
	SilenceDurationMs int     `json:"silence_duration_ms,omitempty"`
}

type audioAppend struct {
	Type    string `json:"type"`
	EventID string `json:"event_id,omitempty"`
	Audio   string `json:"audio"`
}

type responseCreate struct {
	Type     string          `json:"type"`
	EventID  string          `json:"event_id,omitempty"`
	Response *responseParams `json:"response,omitempty"`
}

type responseParams struct {
	Modalities   []string `json:"modalities,omitempty"`
	Instructions string   `json:"instructions,omitempty"`
}

// Server events, flattened to the fields the relay reads

type serverEvent struct {
	Type  string       `json:"type"`
	Delta string       `json:"delta,omitempty"`
	Error *serverError `json:"error,omitempty"`
}

type serverError struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}
