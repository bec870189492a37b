package sync

import (
	"io"
	gosync "sync"
)

// Chime makes a sound when a new notification arrives.
type Chime interface {
	Ring()
}

// BellChime rings the terminal bell.
type BellChime struct {
	W io.Writer

	mu gosync.Mutex
}

// Ring writes BEL to W.
func (b *BellChime) Ring() {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, _ = b.W.Write([]byte{'\a'})
}
