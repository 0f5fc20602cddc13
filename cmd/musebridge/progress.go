package main

import (
	"fmt"
	"io"
	"sync"
	"time"
)

const (
	progressUpdateInterval = 100 * time.Millisecond
	clearLineSequence      = "\r\033[K"
)

// ProgressPrinter shows a countdown while a timed operation runs.
//
//	p := NewCountdownProgressPrinter(os.Stdout, "Scanning for Muse devices", 10*time.Second)
//	p.Start()
//	defer p.Stop()
//
// A ProgressPrinter is single-use. Stop is safe to call more than once.
type ProgressPrinter struct {
	out      io.Writer
	prefix   string
	duration time.Duration // zero shows elapsed time instead

	startOnce sync.Once
	stopOnce  sync.Once
	stop      chan struct{}
	done      chan struct{}
	count     func() int
}

func NewCountdownProgressPrinter(out io.Writer, prefix string, duration time.Duration) *ProgressPrinter {
	return &ProgressPrinter{
		out:      out,
		prefix:   prefix,
		duration: duration,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// WithCounter adds a live count (e.g. devices found) to the progress line.
func (p *ProgressPrinter) WithCounter(count func() int) *ProgressPrinter {
	p.count = count
	return p
}

func (p *ProgressPrinter) line(elapsed time.Duration) string {
	var timing string
	if p.duration > 0 {
		remaining := p.duration - elapsed
		if remaining < 0 {
			remaining = 0
		}
		// Round to the nearest second, e.g. 3.7s -> 4s
		timing = fmt.Sprintf("%ds left", int(remaining.Seconds()+0.5))
	} else {
		timing = fmt.Sprintf("%ds", int(elapsed.Seconds()))
	}
	if p.count != nil {
		return fmt.Sprintf("\r%s (%s, %d found)   ", p.prefix, timing, p.count())
	}
	return fmt.Sprintf("\r%s (%s)   ", p.prefix, timing)
}

func (p *ProgressPrinter) Start() {
	p.startOnce.Do(func() {
		start := time.Now()
		fmt.Fprint(p.out, p.line(0))

		go func() {
			defer close(p.done)
			ticker := time.NewTicker(progressUpdateInterval)
			defer ticker.Stop()
			for {
				select {
				case <-p.stop:
					return
				case <-ticker.C:
					fmt.Fprint(p.out, p.line(time.Since(start)))
				}
			}
		}()
	})
}

// Stop ends the display and clears the progress line.
func (p *ProgressPrinter) Stop() {
	p.stopOnce.Do(func() {
		started := true
		p.startOnce.Do(func() {
			started = false
			close(p.done)
		})
		close(p.stop)
		<-p.done
		if started {
			fmt.Fprint(p.out, clearLineSequence)
		}
	})
}
