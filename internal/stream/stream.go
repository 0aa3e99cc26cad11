// Package stream merges an agent process's stdout and stderr into a single
// ordered chunk feed and reports the turn's outcome when the process exits.
package stream

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// EmptyResponseFallback replaces the content of a turn that produced no output.
const EmptyResponseFallback = "(The agent finished without producing any output.)"

const (
	readBufferSize  = 64 * 1024
	chunkBufferSize = 64
)

// Origin identifies which output stream a chunk came from.
type Origin int

const (
	Stdout Origin = iota
	Stderr
)

func (o Origin) String() string {
	if o == Stderr {
		return "stderr"
	}
	return "stdout"
}

// Chunk is one line of output, newline included. The final chunk of a stream
// may lack a newline, and lines longer than the read buffer are split.
type Chunk struct {
	Origin Origin
	Text   string
}

// Source is a running process whose output is multiplexed.
type Source interface {
	Stdout() io.Reader
	Stderr() io.Reader
	Wait() (int, error)
	Terminate()
}

// ReadError reports a failed read from one of the process streams.
type ReadError struct {
	Origin Origin
	Err    error
}

func (e *ReadError) Error() string {
	return fmt.Sprintf("stream read failure on %s: %v", e.Origin, e.Err)
}

func (e *ReadError) Unwrap() error { return e.Err }

// Result is the outcome of a finished process.
type Result struct {
	ExitCode       int
	Content        string // forwarded text, or EmptyResponseFallback
	Forwarded      bool   // at least one chunk reached the consumer
	ContinuationID string
	Err            error // from Wait: the process could not be run or reaped
	ReadErr        error // first *ReadError, if any
}

// Stream is a live multiplex over one process.
type Stream struct {
	src     Source
	scanner *ContinuationScanner
	logger  *zap.Logger

	raw    chan Chunk
	chunks chan Chunk
	done   chan struct{}

	mu      sync.Mutex
	readErr error
	result  Result
}

// Multiplex starts draining src. Chunks arrive on Chunks in arrival order;
// the channel is closed after the process has been reaped.
func Multiplex(src Source, scanner *ContinuationScanner, logger *zap.Logger) *Stream {
	if scanner == nil {
		scanner = NewContinuationScanner()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Stream{
		src:     src,
		scanner: scanner,
		logger:  logger,
		raw:     make(chan Chunk),
		chunks:  make(chan Chunk, chunkBufferSize),
		done:    make(chan struct{}),
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		s.read(Stdout, src.Stdout())
	}()
	go func() {
		defer wg.Done()
		s.read(Stderr, src.Stderr())
	}()
	go func() {
		wg.Wait()
		close(s.raw)
	}()

	go s.forward()
	return s
}

// Chunks returns the forwarded output.
func (s *Stream) Chunks() <-chan Chunk { return s.chunks }

// Done is closed once the Result is available.
func (s *Stream) Done() <-chan struct{} { return s.done }

// Result blocks until the process has exited and returns its outcome.
func (s *Stream) Result() Result {
	<-s.done
	return s.result
}

// Drain discards any remaining chunks and returns the Result.
func (s *Stream) Drain() Result {
	for range s.chunks {
	}
	return s.Result()
}

func (s *Stream) read(origin Origin, r io.Reader) {
	br := bufio.NewReaderSize(r, readBufferSize)
	for {
		line, err := br.ReadSlice('\n')
		if len(line) > 0 {
			s.raw <- Chunk{Origin: origin, Text: string(line)}
		}
		switch {
		case err == nil, errors.Is(err, bufio.ErrBufferFull):
			continue
		case errors.Is(err, io.EOF), errors.Is(err, os.ErrClosed):
			return
		default:
			s.fail(&ReadError{Origin: origin, Err: err})
			return
		}
	}
}

func (s *Stream) fail(err *ReadError) {
	s.mu.Lock()
	first := s.readErr == nil
	if first {
		s.readErr = err
	}
	s.mu.Unlock()

	if first {
		s.logger.Warn("agent output read failed, terminating", zap.Error(err))
		s.src.Terminate()
	}
}

func (s *Stream) forward() {
	var content strings.Builder
	forwarded := false

	for c := range s.raw {
		// The agent reports its session id on stderr; those lines are
		// bookkeeping, not reply text.
		if s.scanner.Scan(c.Text) && c.Origin == Stderr {
			continue
		}
		content.WriteString(c.Text)
		forwarded = true
		s.chunks <- c
	}

	code, err := s.src.Wait()

	text := content.String()
	if text == "" {
		text = EmptyResponseFallback
	}

	s.mu.Lock()
	readErr := s.readErr
	s.mu.Unlock()

	s.result = Result{
		ExitCode:       code,
		Content:        text,
		Forwarded:      forwarded,
		ContinuationID: s.scanner.ID(),
		Err:            err,
		ReadErr:        readErr,
	}
	close(s.chunks)
	close(s.done)
}
