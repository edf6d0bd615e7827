package session

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/happy-coder/happy/pkg/types"
)

// Spool persists outbound publishes that could not reach the relay, so a
// session started offline survives a process restart. One JSON payload
// per line, replayed in order once the session is established.
type Spool struct {
	mu   sync.Mutex
	path string
}

func NewSpool(path string) *Spool {
	return &Spool{path: path}
}

// Append durably queues one payload.
func (s *Spool) Append(p types.UpdatePayload) error {
	raw, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal spool entry: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return fmt.Errorf("open spool: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(append(raw, '\n')); err != nil {
		return fmt.Errorf("write spool: %w", err)
	}
	return nil
}

// Replay feeds every spooled payload to fn in order. On success the spool
// is removed; on a failure the unsent tail is written back.
func (s *Spool) Replay(fn func(types.UpdatePayload) error) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.Open(s.path)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("open spool: %w", err)
	}

	var entries []types.UpdatePayload
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var p types.UpdatePayload
		if err := json.Unmarshal(line, &p); err != nil {
			// A torn final line from a crashed append is dropped.
			continue
		}
		entries = append(entries, p)
	}
	f.Close()

	for i, p := range entries {
		if err := fn(p); err != nil {
			s.rewrite(entries[i:])
			return i, err
		}
	}
	os.Remove(s.path)
	return len(entries), nil
}

// Len reports the number of spooled entries.
func (s *Spool) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.Open(s.path)
	if err != nil {
		return 0
	}
	defer f.Close()
	n := 0
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		if len(scanner.Bytes()) > 0 {
			n++
		}
	}
	return n
}

func (s *Spool) rewrite(entries []types.UpdatePayload) {
	tmp := s.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return
	}
	for _, p := range entries {
		raw, err := json.Marshal(p)
		if err != nil {
			continue
		}
		f.Write(append(raw, '\n'))
	}
	f.Close()
	os.Rename(tmp, s.path)
}
