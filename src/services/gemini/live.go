package gemini

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"cloud.google.com/go/auth/credentials"
	"github.com/square-key-labs/callrelay/src/logger"
	"github.com/square-key-labs/callrelay/src/services"
	"google.golang.org/genai"
)

const (
	DefaultModel = "gemini-2.0-flash-live-001"

	inputSampleRate  = 16000
	outputSampleRate = 24000

	cloudPlatformScope = "https://www.googleapis.com/auth/cloud-platform"

	sendQueueSize = 512
)

var inputMIMEType = fmt.Sprintf("audio/pcm;rate=%d", inputSampleRate)

// LiveConfig holds configuration for the Gemini Live API
type LiveConfig struct {
	APIKey string
	Model  string

	// Vertex AI backend; uses application default credentials.
	UseVertex bool
	Project   string
	Location  string
}

// Dialer opens Gemini Live sessions.
type Dialer struct {
	cfg LiveConfig
	log *logger.Logger

	mu     sync.Mutex
	client *genai.Client
}

// NewDialer creates a new Gemini Live dialer
func NewDialer(cfg LiveConfig) *Dialer {
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	return &Dialer{cfg: cfg, log: logger.WithPrefix("GeminiLive")}
}

func (d *Dialer) Name() string {
	return "gemini"
}

func (d *Dialer) Format() services.AudioFormat {
	return services.AudioFormat{InputSampleRate: inputSampleRate, OutputSampleRate: outputSampleRate}
}

// clientFor lazily builds the shared genai client.
func (d *Dialer) clientFor(ctx context.Context) (*genai.Client, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.client != nil {
		return d.client, nil
	}

	cc := &genai.ClientConfig{
		APIKey:  d.cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	}
	if d.cfg.UseVertex {
		creds, err := credentials.DetectDefault(&credentials.DetectOptions{
			Scopes: []string{cloudPlatformScope},
		})
		if err != nil {
			return nil, fmt.Errorf("detect google credentials: %w", err)
		}
		cc = &genai.ClientConfig{
			Backend:     genai.BackendVertexAI,
			Project:     d.cfg.Project,
			Location:    d.cfg.Location,
			Credentials: creds,
		}
	}

	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}
	d.client = client
	return client, nil
}

// Dial prepares a connection. The Live session itself is opened by
// Configure, since its setup message carries the session configuration.
func (d *Dialer) Dial(ctx context.Context) (services.Conn, error) {
	client, err := d.clientFor(ctx)
	if err != nil {
		return nil, err
	}
	return newConn(client, d.cfg.Model, d.log), nil
}

// liveSession is the part of *genai.Session the relay drives.
type liveSession interface {
	SendRealtimeInput(genai.LiveRealtimeInput) error
	SendClientContent(genai.LiveClientContentInput) error
	Receive() (*genai.LiveServerMessage, error)
	Close() error
}

// liveWrite is one queued client message: caller audio, or a text turn
// when audio is nil.
type liveWrite struct {
	audio []byte
	turn  string
}

// conn is a single Live session. genai's Session has no write lock, so all
// sends go through out and one writer goroutine; Receive is called by one
// reader.
type conn struct {
	client *genai.Client
	model  string
	log    *logger.Logger

	ready chan struct{} // closed once session is set, or on Close
	out   chan liveWrite
	done  chan struct{}

	mu      sync.Mutex // guards session and closed
	session liveSession
	closed  bool

	pending   []services.Event
	closeOnce sync.Once
}

var errNotConfigured = errors.New("gemini live session not configured")

func newConn(client *genai.Client, model string, log *logger.Logger) *conn {
	return &conn{
		client: client,
		model:  model,
		log:    log,
		ready:  make(chan struct{}),
		out:    make(chan liveWrite, sendQueueSize),
		done:   make(chan struct{}),
	}
}

func (c *conn) Configure(ctx context.Context, cfg services.SessionConfig) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return services.ErrClosed
	}

	session, err := c.client.Live.Connect(ctx, c.model, liveConnectConfig(cfg))
	if err != nil {
		return fmt.Errorf("failed to connect to Gemini Live: %w", err)
	}
	if err := c.attach(session); err != nil {
		session.Close()
		return err
	}

	c.log.Info("Live session open (model %s)", c.model)
	return nil
}

// liveConnectConfig builds the setup message. Output transcription carries
// the model's spoken words back as text.
func liveConnectConfig(cfg services.SessionConfig) *genai.LiveConnectConfig {
	lc := &genai.LiveConnectConfig{
		ResponseModalities:       []genai.Modality{genai.ModalityAudio},
		OutputAudioTranscription: &genai.AudioTranscriptionConfig{},
		RealtimeInputConfig: &genai.RealtimeInputConfig{
			AutomaticActivityDetection: &genai.AutomaticActivityDetection{},
		},
	}
	if cfg.Instructions != "" {
		lc.SystemInstruction = genai.NewContentFromText(cfg.Instructions, genai.RoleUser)
	}
	if cfg.Voice != "" {
		lc.SpeechConfig = &genai.SpeechConfig{
			VoiceConfig: &genai.VoiceConfig{
				PrebuiltVoiceConfig: &genai.PrebuiltVoiceConfig{VoiceName: cfg.Voice},
			},
		}
	}
	if cfg.Temperature > 0 {
		t := float32(cfg.Temperature)
		lc.Temperature = &t
	}
	return lc
}

// attach installs an open session and starts its writer.
func (c *conn) attach(s liveSession) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return services.ErrClosed
	}
	c.session = s
	c.mu.Unlock()

	go c.writeLoop(s)
	close(c.ready)
	return nil
}

func (c *conn) AppendAudio(pcm []byte) error {
	return c.enqueue(liveWrite{audio: append([]byte(nil), pcm...)})
}

func (c *conn) CreateResponse(instructions string) error {
	if instructions == "" {
		instructions = "Continue."
	}
	return c.enqueue(liveWrite{turn: instructions})
}

func (c *conn) enqueue(w liveWrite) error {
	c.mu.Lock()
	closed, configured := c.closed, c.session != nil
	c.mu.Unlock()
	if closed {
		return services.ErrClosed
	}
	if !configured {
		return errNotConfigured
	}
	select {
	case c.out <- w:
		return nil
	case <-c.done:
		return services.ErrClosed
	default:
		return services.ErrBackpressure
	}
}

func (c *conn) writeLoop(s liveSession) {
	for {
		select {
		case <-c.done:
			return
		case w := <-c.out:
			var err error
			if w.audio != nil {
				err = s.SendRealtimeInput(genai.LiveRealtimeInput{
					Audio: &genai.Blob{Data: w.audio, MIMEType: inputMIMEType},
				})
			} else {
				err = s.SendClientContent(genai.LiveClientContentInput{
					Turns: []*genai.Content{genai.NewContentFromText(w.turn, genai.RoleUser)},
				})
			}
			if err != nil {
				c.log.Warn("Write failed: %v", err)
				// Unblocks the reader, which reports the close.
				c.Close()
				return
			}
		}
	}
}

func (c *conn) Receive() (services.Event, error) {
	<-c.ready
	c.mu.Lock()
	closed, s := c.closed, c.session
	c.mu.Unlock()
	if closed || s == nil {
		return services.Event{}, services.ErrClosed
	}

	for {
		if len(c.pending) > 0 {
			ev := c.pending[0]
			c.pending = c.pending[1:]
			return ev, nil
		}

		msg, err := s.Receive()
		if err != nil {
			select {
			case <-c.done:
				return services.Event{}, services.ErrClosed
			default:
			}
			return services.Event{}, fmt.Errorf("gemini live receive: %w", err)
		}
		c.pending = decodeServerMessage(msg)
	}
}

func (c *conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		s := c.session
		c.mu.Unlock()
		close(c.done)
		if s != nil {
			err = s.Close()
		} else {
			// Release a Receive waiting for Configure.
			close(c.ready)
		}
	})
	return err
}

// decodeServerMessage flattens one Live server message into relay events.
func decodeServerMessage(msg *genai.LiveServerMessage) []services.Event {
	var events []services.Event
	sc := msg.ServerContent
	if sc == nil {
		return nil
	}
	if sc.Interrupted {
		events = append(events, services.Event{Type: services.EventSpeechStarted})
	}
	if sc.ModelTurn != nil {
		for _, part := range sc.ModelTurn.Parts {
			if part == nil {
				continue
			}
			if part.InlineData != nil && len(part.InlineData.Data) > 0 {
				events = append(events, services.Event{Type: services.EventAudio, Audio: part.InlineData.Data})
			}
			if part.Text != "" && !part.Thought {
				events = append(events, services.Event{Type: services.EventText, Text: part.Text})
			}
		}
	}
	if sc.OutputTranscription != nil && sc.OutputTranscription.Text != "" {
		events = append(events, services.Event{Type: services.EventText, Text: sc.OutputTranscription.Text})
	}
	if sc.TurnComplete {
		events = append(events, services.Event{Type: services.EventResponseDone})
	}
	return events
}
