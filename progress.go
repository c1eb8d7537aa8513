package main

import "sync/atomic"

// Progress is the auxiliary parallel worker for progress/notification
// reporting. The core pipeline never blocks on it: sends are non-blocking,
// so a slow sink cannot stall decrypt work.
type Progress struct {
	Processed atomic.Int64
	Total     atomic.Int64
	events    chan string
	done      chan struct{}
}

// NewProgress creates a Progress tracker and starts its draining goroutine.
func NewProgress(sink Logger) *Progress {
	p := &Progress{
		events: make(chan string, 64),
		done:   make(chan struct{}),
	}
	go p.run(sink)
	return p
}

func (p *Progress) run(sink Logger) {
	defer close(p.done)
	for msg := range p.events {
		if sink != nil {
			sink.Logf("%s", msg)
		}
	}
}

// Report enqueues a progress message, dropping it silently if the channel
// is full rather than blocking the caller.
func (p *Progress) Report(msg string) {
	select {
	case p.events <- msg:
	default:
	}
}

// Close stops accepting events and waits for the drain goroutine to finish.
func (p *Progress) Close() {
	close(p.events)
	<-p.done
}
