package main

import "testing"

type collectingLogger struct {
	lines []string
}

func (c *collectingLogger) Logf(format string, args ...any) {
	c.lines = append(c.lines, format)
}

func TestProgressReportDrains(t *testing.T) {
	sink := &collectingLogger{}
	p := NewProgress(sink)
	p.Report("one")
	p.Report("two")
	p.Close()

	if len(sink.lines) != 2 {
		t.Fatalf("len(lines) = %d, want 2", len(sink.lines))
	}
}

func TestProgressReportNeverBlocksWhenFull(t *testing.T) {
	p := &Progress{events: make(chan string)}
	// No drain goroutine running: the channel is permanently full (capacity
	// 0, nothing receiving), so Report must still return immediately.
	done := make(chan struct{})
	go func() {
		p.Report("dropped")
		close(done)
	}()
	<-done
}
