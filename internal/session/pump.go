package session

import (
	"context"
	"strings"
	"sync"

	"github.com/happy-coder/happy/internal/permission"
)

// Fingerprint is the launch configuration a queued message was composed
// under. Messages only batch together while the fingerprint is unchanged;
// a change flushes the running batch so the child restarts with the new
// configuration before later input is delivered.
type Fingerprint struct {
	PermissionMode  permission.Mode
	Model           string
	AllowedTools    []string
	DisallowedTools []string
}

// Key returns a comparable form of the fingerprint.
func (f Fingerprint) Key() string {
	var b strings.Builder
	b.WriteString(string(f.PermissionMode))
	b.WriteString("|")
	b.WriteString(f.Model)
	b.WriteString("|")
	b.WriteString(strings.Join(f.AllowedTools, ","))
	b.WriteString("|")
	b.WriteString(strings.Join(f.DisallowedTools, ","))
	return b.String()
}

// isolatedCommands reset conversation state. They flush alone and discard
// whatever was queued ahead of them.
var isolatedCommands = map[string]bool{
	"/clear":   true,
	"/compact": true,
}

// Batch is one unit of pump output: either a run of same-fingerprint user
// messages or a single isolated command.
type Batch struct {
	Fingerprint Fingerprint
	Messages    []string
	// Isolated marks a /clear or /compact batch; Messages holds exactly
	// the command itself.
	Isolated bool
}

type queued struct {
	text     string
	fp       Fingerprint
	isolated bool
}

// Pump orders inbound user messages for the child. Remote messages arrive
// asynchronously while the child may be busy; the pump queues them and
// hands out fingerprint-coherent batches.
type Pump struct {
	mu     sync.Mutex
	queue  []queued
	wake   chan struct{}
	closed bool
	// discarded counts messages dropped by the last isolated command.
	discarded int
}

func NewPump() *Pump {
	return &Pump{wake: make(chan struct{}, 1)}
}

// Push enqueues one message. Isolated commands drop everything still
// queued ahead of them and report how many messages that was.
func (p *Pump) Push(text string, fp Fingerprint) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return 0
	}

	dropped := 0
	if isolatedCommands[strings.TrimSpace(text)] {
		dropped = len(p.queue)
		p.queue = p.queue[:0]
		p.discarded += dropped
		p.queue = append(p.queue, queued{text: strings.TrimSpace(text), fp: fp, isolated: true})
	} else {
		p.queue = append(p.queue, queued{text: text, fp: fp})
	}

	select {
	case p.wake <- struct{}{}:
	default:
	}
	return dropped
}

// Next blocks until a batch is ready. Adjacent messages with the same
// fingerprint coalesce; a fingerprint change or an isolated command ends
// the batch.
func (p *Pump) Next(ctx context.Context) (*Batch, error) {
	for {
		p.mu.Lock()
		if p.closed && len(p.queue) == 0 {
			p.mu.Unlock()
			return nil, context.Canceled
		}
		if len(p.queue) > 0 {
			head := p.queue[0]
			batch := &Batch{Fingerprint: head.fp, Isolated: head.isolated}
			batch.Messages = append(batch.Messages, head.text)
			n := 1
			if !head.isolated {
				for n < len(p.queue) {
					next := p.queue[n]
					if next.isolated || next.fp.Key() != head.fp.Key() {
						break
					}
					batch.Messages = append(batch.Messages, next.text)
					n++
				}
			}
			p.queue = append(p.queue[:0], p.queue[n:]...)
			p.mu.Unlock()
			return batch, nil
		}
		p.mu.Unlock()

		select {
		case <-p.wake:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Len returns the number of queued messages.
func (p *Pump) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

// Close wakes any blocked Next once the queue drains.
func (p *Pump) Close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	select {
	case p.wake <- struct{}{}:
	default:
	}
}
