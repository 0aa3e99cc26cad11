package stream

import (
	"regexp"
	"sync"
)

// continuationPatterns recognize the agent announcing its own session id.
// Order matters only to break ties between matches at the same offset.
var continuationPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)session id:\s*([A-Za-z0-9][A-Za-z0-9._-]*)`),
	regexp.MustCompile(`(?i)session[_-]?id[:\s]+([A-Za-z0-9][A-Za-z0-9._-]*)`),
	regexp.MustCompile(`(?i)resuming session\s+([A-Za-z0-9][A-Za-z0-9._-]*)`),
	regexp.MustCompile(`(?i)session:\s*([A-Za-z0-9][A-Za-z0-9._-]*)`),
}

// ContinuationScanner latches the first continuation id seen in agent output.
// Once latched the id never changes.
type ContinuationScanner struct {
	mu sync.Mutex
	id string
}

// NewContinuationScanner returns an empty scanner.
func NewContinuationScanner() *ContinuationScanner {
	return &ContinuationScanner{}
}

// Scan reports whether text contains a continuation id and latches it if
// none has been latched yet.
func (s *ContinuationScanner) Scan(text string) bool {
	token, ok := MatchContinuation(text)
	if !ok {
		return false
	}

	s.mu.Lock()
	if s.id == "" {
		s.id = token
	}
	s.mu.Unlock()
	return true
}

// ID returns the latched id, or "" if none was seen.
func (s *ContinuationScanner) ID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id
}

// MatchContinuation returns the earliest continuation id in text.
func MatchContinuation(text string) (string, bool) {
	best, bestStart := "", -1
	for _, re := range continuationPatterns {
		loc := re.FindStringSubmatchIndex(text)
		if loc == nil {
			continue
		}
		if bestStart == -1 || loc[0] < bestStart {
			best, bestStart = text[loc[2]:loc[3]], loc[0]
		}
	}
	return best, bestStart != -1
}
