package audio

import (
	"sync"
	"time"
)

// MulawSilence is the mu-law code for a zero sample.
const MulawSilence byte = 0xFF

// SilenceFrame returns samples bytes of mu-law silence.
func SilenceFrame(samples int) []byte {
	frame := make([]byte, samples)
	for i := range frame {
		frame[i] = MulawSilence
	}
	return frame
}

// Keepalive invokes a callback at a fixed cadence until stopped. It carries no
// audio itself; the owner decides what a tick means.
type Keepalive struct {
	ticker   *time.Ticker
	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// StartKeepalive begins ticking every interval on its own goroutine.
func StartKeepalive(interval time.Duration, tick func()) *Keepalive {
	k := &Keepalive{
		ticker: time.NewTicker(interval),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go func() {
		defer close(k.done)
		for {
			select {
			case <-k.stop:
				return
			case <-k.ticker.C:
				tick()
			}
		}
	}()
	return k
}

// Stop halts the ticker. Safe to call more than once and on a nil Keepalive.
// No tick is delivered after Stop returns.
func (k *Keepalive) Stop() {
	if k == nil {
		return
	}
	k.stopOnce.Do(func() {
		k.ticker.Stop()
		close(k.stop)
	})
	<-k.done
}
