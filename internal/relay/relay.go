// Package relay multiplexes the output of concurrently running code units
// onto per-call line sinks.
//
// A Relay wraps one fallback stream. Each invocation registers a sink under
// its call id and writes through Writer(callID); complete lines are decoded
// and handed to the sink's callback in write order. Writes for a call id
// without a sink go to the fallback stream untouched.
package relay

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"unicode/utf8"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/htmlindex"
	"golang.org/x/text/encoding/unicode"
)

// LineFunc receives one decoded line without its terminator.
// partial is true for the trailing line flushed at Unregister.
type LineFunc func(line string, partial bool)

// Router is what the execution layer needs from a relay.
type Router interface {
	Register(callID string, fn LineFunc) error
	Unregister(callID string)
	Writer(callID string) io.Writer
}

type Config struct {
	// Encoding is a WHATWG label ("utf-8", "latin1", "utf-16le"...). Empty means utf-8.
	Encoding string
	// MaxLine caps a buffered line; longer lines are delivered in pieces.
	MaxLine int
}

type Relay struct {
	mu    sync.RWMutex
	sinks map[string]*sink

	fbMu     sync.Mutex
	fallback io.Writer

	enc     encoding.Encoding
	maxLine int
}

func New(cfg Config, fallback io.Writer) (*Relay, error) {
	if fallback == nil {
		fallback = os.Stdout
	}
	enc, err := lookupEncoding(cfg.Encoding)
	if err != nil {
		return nil, err
	}
	maxLine := cfg.MaxLine
	if maxLine <= 0 {
		maxLine = 64 * 1024
	}
	return &Relay{
		sinks:    map[string]*sink{},
		fallback: fallback,
		enc:      enc,
		maxLine:  maxLine,
	}, nil
}

func lookupEncoding(name string) (encoding.Encoding, error) {
	name = strings.TrimSpace(name)
	if name == "" || strings.EqualFold(name, "utf-8") || strings.EqualFold(name, "utf8") {
		return unicode.UTF8, nil
	}
	enc, err := htmlindex.Get(name)
	if err != nil {
		return nil, fmt.Errorf("relay: unknown encoding %q: %w", name, err)
	}
	return enc, nil
}

// Register binds fn to callID. Binding an id that is already bound fails:
// registrations never nest for the same call.
func (r *Relay) Register(callID string, fn LineFunc) error {
	if strings.TrimSpace(callID) == "" {
		return fmt.Errorf("relay: call id required")
	}
	if fn == nil {
		return fmt.Errorf("relay: line func required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sinks[callID]; ok {
		return fmt.Errorf("relay: call %s already has a sink", callID)
	}
	r.sinks[callID] = &sink{fn: fn, dec: r.enc.NewDecoder(), maxLine: r.maxLine, utf8: r.enc == unicode.UTF8}
	return nil
}

// Unregister flushes a pending partial line and removes the sink.
// Unknown ids are ignored.
func (r *Relay) Unregister(callID string) {
	r.mu.Lock()
	s := r.sinks[callID]
	delete(r.sinks, callID)
	r.mu.Unlock()
	if s != nil {
		s.flush()
	}
}

// Capture registers fn for the duration of run.
func (r *Relay) Capture(callID string, fn LineFunc, run func() error) error {
	if err := r.Register(callID, fn); err != nil {
		return err
	}
	defer r.Unregister(callID)
	return run()
}

// Writer returns the stream a call writes its output to.
func (r *Relay) Writer(callID string) io.Writer {
	return callWriter{r: r, id: callID}
}

// Active returns the number of registered sinks.
func (r *Relay) Active() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sinks)
}

func (r *Relay) lookup(callID string) *sink {
	if callID == "" {
		return nil
	}
	r.mu.RLock()
	s := r.sinks[callID]
	r.mu.RUnlock()
	return s
}

func (r *Relay) writeFallback(p []byte) (int, error) {
	r.fbMu.Lock()
	defer r.fbMu.Unlock()
	return r.fallback.Write(p)
}

type callWriter struct {
	r  *Relay
	id string
}

func (w callWriter) Write(p []byte) (int, error) {
	if s := w.r.lookup(w.id); s != nil {
		return s.write(p)
	}
	return w.r.writeFallback(p)
}

type sink struct {
	mu      sync.Mutex
	fn      LineFunc
	dec     *encoding.Decoder
	buf     bytes.Buffer
	maxLine int
	utf8    bool
	closed  bool
}

func (s *sink) write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return len(p), nil
	}
	n := len(p)
	for len(p) > 0 {
		i := bytes.IndexByte(p, '\n')
		if i < 0 {
			s.buf.Write(p)
			s.split()
			break
		}
		s.buf.Write(p[:i])
		s.split()
		s.emit(false)
		p = p[i+1:]
	}
	return n, nil
}

// split delivers an overlong buffered line in pieces of at most maxLine
// bytes. Call with s.mu held.
func (s *sink) split() {
	for s.buf.Len() > s.maxLine {
		n := s.maxLine
		if s.utf8 {
			n = cutPoint(s.buf.Bytes(), n)
		}
		chunk := make([]byte, n)
		_, _ = s.buf.Read(chunk)
		s.deliver(chunk, false)
	}
}

// cutPoint returns n <= limit so that b[:n] does not end inside a UTF-8
// sequence. Invalid input is cut at limit.
func cutPoint(b []byte, limit int) int {
	j := limit - 1
	for j > 0 && limit-j < utf8.UTFMax && !utf8.RuneStart(b[j]) {
		j--
	}
	if j == 0 || utf8.FullRune(b[j:limit]) {
		return limit
	}
	return j
}

func (s *sink) flush() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.buf.Len() > 0 {
		s.emit(true)
	}
	s.closed = true
}

// emit delivers the buffered bytes as one line. Call with s.mu held.
func (s *sink) emit(partial bool) {
	b := s.buf.Bytes()
	b = bytes.TrimSuffix(b, []byte{'\r'})
	s.deliver(b, partial)
	s.buf.Reset()
}

func (s *sink) deliver(b []byte, partial bool) {
	line, err := s.dec.Bytes(b)
	if err != nil {
		line = bytes.ToValidUTF8(b, []byte("�"))
	}
	s.dec.Reset()
	s.fn(string(line), partial)
}
