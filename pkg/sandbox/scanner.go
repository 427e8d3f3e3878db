package sandbox

import (
	"bytes"
	"sync"

	"github.com/wardstone/warden/pkg/rules"
)

// outputScanner is a bounded capture buffer that scans process output
// incrementally, line by line, against the dangerous-output rule set.
// On the first match it fires onDanger exactly once, letting the engine
// terminate a still-running process instead of waiting for exit.
type outputScanner struct {
	mu       sync.Mutex
	buf      bytes.Buffer
	partial  bytes.Buffer
	limit    int
	rules    []*rules.Rule
	matched  *rules.Rule
	onDanger func(rule *rules.Rule)
	fired    bool
}

const defaultOutputLimit = 1024 * 1024 // 1MB of captured output per stream

func newOutputScanner(ruleList []*rules.Rule, onDanger func(*rules.Rule)) *outputScanner {
	return &outputScanner{
		limit:    defaultOutputLimit,
		rules:    ruleList,
		onDanger: onDanger,
	}
}

// Write implements io.Writer for stdout/stderr attachment. Never
// returns an error: output beyond the cap is dropped, not fatal.
func (s *outputScanner) Write(p []byte) (int, error) {
	s.mu.Lock()
	var fire *rules.Rule

	if s.buf.Len() < s.limit {
		room := s.limit - s.buf.Len()
		if len(p) <= room {
			s.buf.Write(p)
		} else {
			s.buf.Write(p[:room])
		}
	}

	// Accumulate into the partial line and scan each completed line.
	s.partial.Write(p)
	for {
		idx := bytes.IndexByte(s.partial.Bytes(), '\n')
		if idx < 0 {
			break
		}
		line := string(s.partial.Next(idx + 1))
		if r := s.scanLine(line); r != nil && !s.fired {
			s.fired = true
			s.matched = r
			fire = r
		}
	}
	// Guard against a single oversized line never seeing a newline.
	if s.partial.Len() > 64*1024 {
		line := string(s.partial.Next(s.partial.Len()))
		if r := s.scanLine(line); r != nil && !s.fired {
			s.fired = true
			s.matched = r
			fire = r
		}
	}
	s.mu.Unlock()

	if fire != nil && s.onDanger != nil {
		s.onDanger(fire)
	}
	return len(p), nil
}

func (s *outputScanner) scanLine(line string) *rules.Rule {
	for _, r := range s.rules {
		if r.Matches(line) {
			return r
		}
	}
	return nil
}

// Flush scans any trailing output that did not end in a newline.
func (s *outputScanner) Flush() {
	s.mu.Lock()
	var fire *rules.Rule
	if s.partial.Len() > 0 {
		line := string(s.partial.Next(s.partial.Len()))
		if r := s.scanLine(line); r != nil && !s.fired {
			s.fired = true
			s.matched = r
			fire = r
		}
	}
	s.mu.Unlock()

	if fire != nil && s.onDanger != nil {
		s.onDanger(fire)
	}
}

// String returns the captured output.
func (s *outputScanner) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.String()
}

// Matched returns the first matched rule, if any.
func (s *outputScanner) Matched() *rules.Rule {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.matched
}
