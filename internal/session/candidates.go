// SPDX-FileCopyrightText: 2026 staff-monitoring contributors
// SPDX-License-Identifier: AGPL-3.0-or-later

package session

import (
	"sync"

	"github.com/mehran-mrn/staff-monitoring/internal/transport"
)

// localCandidateBuffer holds locally generated ICE candidates until the
// offer introducing them has been sent. flush marks a latch: every candidate
// added afterwards bypasses the buffer. The latch resets only when a new
// session starts (reset).
type localCandidateBuffer struct {
	mu      sync.Mutex
	pending []transport.ICECandidate
	flushed bool
}

// add either buffers the candidate (returns false) or, once the offer has
// been sent, tells the caller to forward it immediately (returns true).
func (b *localCandidateBuffer) add(c transport.ICECandidate) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.flushed {
		return true
	}
	b.pending = append(b.pending, c)
	return false
}

// flush returns all buffered candidates in generation order and latches the
// buffer into pass-through mode.
func (b *localCandidateBuffer) flush() []transport.ICECandidate {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := b.pending
	b.pending = nil
	b.flushed = true
	return out
}

func (b *localCandidateBuffer) reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pending = nil
	b.flushed = false
}

// remoteCandidateBuffer holds remote candidates received before the remote
// answer has been applied to the transport.
type remoteCandidateBuffer struct {
	mu      sync.Mutex
	pending []transport.ICECandidate
}

func (b *remoteCandidateBuffer) add(c transport.ICECandidate) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pending = append(b.pending, c)
}

// drain returns the buffered candidates in arrival order and empties the
// buffer.
func (b *remoteCandidateBuffer) drain() []transport.ICECandidate {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := b.pending
	b.pending = nil
	return out
}

func (b *remoteCandidateBuffer) clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pending = nil
}
