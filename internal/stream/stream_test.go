package stream

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"chatrelay/internal/launcher"
)

type fakeSource struct {
	stdout io.Reader
	stderr io.Reader
	code   int
	err    error

	mu         sync.Mutex
	terminated bool
	onTerm     func()
}

func (f *fakeSource) Stdout() io.Reader  { return f.stdout }
func (f *fakeSource) Stderr() io.Reader  { return f.stderr }
func (f *fakeSource) Wait() (int, error) { return f.code, f.err }

func (f *fakeSource) Terminate() {
	f.mu.Lock()
	f.terminated = true
	fn := f.onTerm
	f.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func (f *fakeSource) wasTerminated() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.terminated
}

type errReader struct {
	data string
	err  error
	read bool
}

func (r *errReader) Read(p []byte) (int, error) {
	if !r.read {
		r.read = true
		return copy(p, r.data), nil
	}
	return 0, r.err
}

func collect(t *testing.T, s *Stream) []Chunk {
	t.Helper()
	var got []Chunk
	timeout := time.After(5 * time.Second)
	for {
		select {
		case c, ok := <-s.Chunks():
			if !ok {
				return got
			}
			got = append(got, c)
		case <-timeout:
			t.Fatal("stream did not finish")
		}
	}
}

func TestMultiplex_ForwardsLinesInOrder(t *testing.T) {
	src := &fakeSource{
		stdout: strings.NewReader("first\nsecond\npartial"),
		stderr: strings.NewReader(""),
	}
	s := Multiplex(src, nil, nil)

	got := collect(t, s)
	want := []string{"first\n", "second\n", "partial"}
	if len(got) != len(want) {
		t.Fatalf("got %d chunks, want %d: %v", len(got), len(want), got)
	}
	for i, c := range got {
		if c.Text != want[i] || c.Origin != Stdout {
			t.Errorf("chunk %d = %+v, want stdout %q", i, c, want[i])
		}
	}

	res := s.Result()
	if res.Content != "first\nsecond\npartial" {
		t.Errorf("Content = %q", res.Content)
	}
	if !res.Forwarded {
		t.Error("Forwarded should be true")
	}
}

func TestMultiplex_StderrIsForwarded(t *testing.T) {
	src := &fakeSource{
		stdout: strings.NewReader(""),
		stderr: strings.NewReader("warning: slow\n"),
		code:   1,
	}
	s := Multiplex(src, nil, nil)

	got := collect(t, s)
	if len(got) != 1 || got[0].Origin != Stderr || got[0].Text != "warning: slow\n" {
		t.Fatalf("chunks = %+v", got)
	}
	if res := s.Result(); res.ExitCode != 1 || res.Content != "warning: slow\n" {
		t.Errorf("Result = %+v", res)
	}
}

func TestMultiplex_EmptyOutputUsesFallback(t *testing.T) {
	src := &fakeSource{stdout: strings.NewReader(""), stderr: strings.NewReader("")}
	s := Multiplex(src, nil, nil)

	if got := collect(t, s); len(got) != 0 {
		t.Fatalf("expected no chunks, got %v", got)
	}
	res := s.Result()
	if res.Content != EmptyResponseFallback {
		t.Errorf("Content = %q, want fallback", res.Content)
	}
	if res.Forwarded {
		t.Error("Forwarded should be false")
	}
}

func TestMultiplex_WhitespaceOutputIsKept(t *testing.T) {
	src := &fakeSource{stdout: strings.NewReader("\n"), stderr: strings.NewReader("")}
	s := Multiplex(src, nil, nil)

	got := collect(t, s)
	if len(got) != 1 || got[0].Text != "\n" {
		t.Fatalf("chunks = %+v", got)
	}
	if res := s.Result(); res.Content != "\n" || !res.Forwarded {
		t.Errorf("Result = %+v, want the streamed newline as content", res)
	}
}

func TestMultiplex_FinishesWhenAgentLeavesBackgroundChild(t *testing.T) {
	agent := filepath.Join(t.TempDir(), "agent")
	if err := os.WriteFile(agent, []byte("#!/bin/sh\necho answer; sleep 20 & exit 0\n"), 0755); err != nil {
		t.Fatalf("write agent: %v", err)
	}
	l := launcher.New(launcher.Config{Command: agent, GracePeriod: 300 * time.Millisecond}, nil)
	h, err := l.Start(context.Background(), launcher.Request{Prompt: "x", WorkDir: t.TempDir()})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	s := Multiplex(h, nil, nil)
	go func() {
		for range s.Chunks() {
		}
	}()

	select {
	case <-s.Done():
	case <-time.After(5 * time.Second):
		h.Terminate()
		t.Fatal("stream still open after the agent exited")
	}
	if res := s.Result(); res.Content != "answer\n" || res.ExitCode != 0 || res.Err != nil {
		t.Errorf("Result = %+v", res)
	}
}

func TestMultiplex_SuppressesContinuationOnStderr(t *testing.T) {
	src := &fakeSource{
		stdout: strings.NewReader("answer\n"),
		stderr: strings.NewReader("Session ID: abc-123\n"),
	}
	s := Multiplex(src, nil, nil)

	got := collect(t, s)
	if len(got) != 1 || got[0].Text != "answer\n" {
		t.Fatalf("chunks = %+v, want only stdout answer", got)
	}
	res := s.Result()
	if res.ContinuationID != "abc-123" {
		t.Errorf("ContinuationID = %q, want abc-123", res.ContinuationID)
	}
	if res.Content != "answer\n" {
		t.Errorf("Content = %q", res.Content)
	}
}

func TestMultiplex_ContinuationOnStdoutStillForwarded(t *testing.T) {
	src := &fakeSource{
		stdout: strings.NewReader("resuming session xyz\n"),
		stderr: strings.NewReader(""),
	}
	s := Multiplex(src, nil, nil)

	if got := collect(t, s); len(got) != 1 {
		t.Fatalf("chunks = %+v", got)
	}
	if id := s.Result().ContinuationID; id != "xyz" {
		t.Errorf("ContinuationID = %q, want xyz", id)
	}
}

func TestMultiplex_LongLineIsSplit(t *testing.T) {
	long := strings.Repeat("a", readBufferSize+10)
	src := &fakeSource{stdout: strings.NewReader(long), stderr: strings.NewReader("")}
	s := Multiplex(src, nil, nil)

	got := collect(t, s)
	if len(got) != 2 {
		t.Fatalf("got %d chunks, want 2", len(got))
	}
	if s.Result().Content != long {
		t.Error("content not reassembled")
	}
}

func TestMultiplex_ReadErrorTerminates(t *testing.T) {
	boom := errors.New("boom")
	src := &fakeSource{
		stdout: &errReader{data: "partial\n", err: boom},
		stderr: strings.NewReader(""),
	}
	s := Multiplex(src, nil, nil)

	collect(t, s)
	res := s.Result()

	var readErr *ReadError
	if !errors.As(res.ReadErr, &readErr) {
		t.Fatalf("ReadErr = %v, want *ReadError", res.ReadErr)
	}
	if !errors.Is(res.ReadErr, boom) {
		t.Error("ReadError should unwrap to the underlying error")
	}
	if !src.wasTerminated() {
		t.Error("source should be terminated after a read failure")
	}
	if res.Content != "partial\n" {
		t.Errorf("Content = %q, want accumulated text", res.Content)
	}
}

func TestMultiplex_WaitError(t *testing.T) {
	waitErr := errors.New("reap failed")
	src := &fakeSource{stdout: strings.NewReader("x"), stderr: strings.NewReader(""), code: -1, err: waitErr}
	s := Multiplex(src, nil, nil)

	res := s.Drain()
	if !errors.Is(res.Err, waitErr) {
		t.Errorf("Err = %v, want wait error", res.Err)
	}
}

func TestMultiplex_InterleavesStreams(t *testing.T) {
	outR, outW := io.Pipe()
	errR, errW := io.Pipe()
	src := &fakeSource{stdout: outR, stderr: errR}
	s := Multiplex(src, nil, nil)

	next := func() Chunk {
		select {
		case c := <-s.Chunks():
			return c
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for chunk")
		}
		return Chunk{}
	}

	go outW.Write([]byte("one\n"))
	if c := next(); c.Text != "one\n" || c.Origin != Stdout {
		t.Errorf("got %+v", c)
	}
	go errW.Write([]byte("two\n"))
	if c := next(); c.Text != "two\n" || c.Origin != Stderr {
		t.Errorf("got %+v", c)
	}
	go outW.Write([]byte("three\n"))
	if c := next(); c.Text != "three\n" {
		t.Errorf("got %+v", c)
	}

	outW.Close()
	errW.Close()
	if res := s.Drain(); res.Content != "one\ntwo\nthree\n" {
		t.Errorf("Content = %q", res.Content)
	}
}

func TestDrain_UnreadChunks(t *testing.T) {
	src := &fakeSource{
		stdout: strings.NewReader(strings.Repeat("line\n", chunkBufferSize*3)),
		stderr: strings.NewReader(""),
	}
	s := Multiplex(src, nil, nil)

	done := make(chan Result)
	go func() { done <- s.Drain() }()
	select {
	case res := <-done:
		if !res.Forwarded {
			t.Error("Forwarded should be true")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Drain blocked")
	}
}
