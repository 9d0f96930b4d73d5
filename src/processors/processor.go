package processors

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/square-key-labs/callrelay/src/frames"
	"github.com/square-key-labs/callrelay/src/logger"
)

// ErrQueueFull is returned by TryQueueFrame when the data queue is at capacity.
var ErrQueueFull = errors.New("processor queue full")

// ErrStopped is returned when a frame is queued after the processor stopped.
var ErrStopped = errors.New("processor stopped")

// ProcessHandler is implemented by the owner of a processor. HandleFrame is
// never called concurrently with itself.
type ProcessHandler interface {
	HandleFrame(ctx context.Context, frame frames.Frame) error
}

// BaseProcessor runs a ProcessHandler on a single goroutine fed by two
// queues. System frames are taken before data and control frames; frames
// within a queue keep their order.
type BaseProcessor struct {
	name string
	log  *logger.Logger

	// Separate channels for system (high priority) and other frames
	systemChan chan frames.Frame
	dataChan   chan frames.Frame

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.Mutex

	handler ProcessHandler
}

// Config sizes the processor queues.
type Config struct {
	SystemQueueSize int
	DataQueueSize   int
}

// NewBaseProcessor creates a new BaseProcessor
func NewBaseProcessor(name string, handler ProcessHandler, cfg Config) *BaseProcessor {
	if cfg.SystemQueueSize <= 0 {
		cfg.SystemQueueSize = 100
	}
	if cfg.DataQueueSize <= 0 {
		cfg.DataQueueSize = 1000
	}
	return &BaseProcessor{
		name:       name,
		log:        logger.WithPrefix(name),
		systemChan: make(chan frames.Frame, cfg.SystemQueueSize),
		dataChan:   make(chan frames.Frame, cfg.DataQueueSize),
		handler:    handler,
	}
}

func (p *BaseProcessor) Name() string {
	return p.name
}

// Start launches the processing goroutine.
func (p *BaseProcessor) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.ctx != nil {
		return fmt.Errorf("processor %s already started", p.name)
	}

	p.ctx, p.cancel = context.WithCancel(ctx)

	p.wg.Add(1)
	go p.run()

	p.log.Debug("Started")
	return nil
}

// Cancel stops the processing goroutine without waiting for it. It may be
// called from inside HandleFrame.
func (p *BaseProcessor) Cancel() {
	p.mu.Lock()
	if p.cancel != nil {
		p.cancel()
	}
	p.mu.Unlock()
}

// Stop cancels the processor and waits for the goroutine to exit. Must not
// be called from inside HandleFrame.
func (p *BaseProcessor) Stop() error {
	p.Cancel()
	p.wg.Wait()
	p.log.Debug("Stopped")
	return nil
}

// Done is closed once the processor has been cancelled.
func (p *BaseProcessor) Done() <-chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ctx == nil {
		return nil
	}
	return p.ctx.Done()
}

// QueueFrame enqueues a frame, blocking while its queue is full.
func (p *BaseProcessor) QueueFrame(frame frames.Frame) error {
	ch := p.dataChan
	if frames.CategoryOf(frame) == frames.SystemCategory {
		ch = p.systemChan
	}

	done := p.Done()
	if done == nil {
		return ErrStopped
	}
	select {
	case <-done:
		return ErrStopped
	default:
	}

	select {
	case ch <- frame:
		return nil
	case <-done:
		return ErrStopped
	}
}

// TryQueueFrame enqueues a frame without blocking.
func (p *BaseProcessor) TryQueueFrame(frame frames.Frame) error {
	ch := p.dataChan
	if frames.CategoryOf(frame) == frames.SystemCategory {
		ch = p.systemChan
	}

	done := p.Done()
	if done == nil {
		return ErrStopped
	}
	select {
	case <-done:
		return ErrStopped
	default:
	}

	select {
	case ch <- frame:
		return nil
	default:
		return ErrQueueFull
	}
}

func (p *BaseProcessor) process(frame frames.Frame) {
	if err := p.handler.HandleFrame(p.ctx, frame); err != nil {
		p.log.Warn("Error processing %s frame %s: %v", frames.CategoryOf(frame), frame.Name(), err)
	}
}

func (p *BaseProcessor) run() {
	defer p.wg.Done()

	for {
		// Drain pending system frames first.
		select {
		case <-p.ctx.Done():
			return
		case f := <-p.systemChan:
			p.process(f)
			continue
		default:
		}

		select {
		case <-p.ctx.Done():
			return
		case f := <-p.systemChan:
			p.process(f)
		case f := <-p.dataChan:
			p.process(f)
		}
	}
}
