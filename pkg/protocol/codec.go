package protocol

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/pkgengine/pkgengine/pkg/classify"
)

// maxDescriptorSize bounds a descriptor read from stdin or a file.
const maxDescriptorSize = 10 * 1024 * 1024 // 10 MB

// EncodeDescriptor writes d as a single JSON line.
func EncodeDescriptor(w io.Writer, d *Descriptor) error {
	data, err := json.Marshal(d)
	if err != nil {
		return err
	}
	data = append(data, '\n')
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("failed to write descriptor: %w", err)
	}
	return nil
}

// ReadDescriptor reads exactly one descriptor from r, either a single line or
// a whole file, and validates it. Trailing data after the object is rejected.
func ReadDescriptor(r io.Reader) (*Descriptor, error) {
	data, err := io.ReadAll(io.LimitReader(r, maxDescriptorSize+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read descriptor: %w", err)
	}
	if len(data) > maxDescriptorSize {
		return nil, fmt.Errorf("descriptor exceeds %d bytes", maxDescriptorSize)
	}
	return ParseDescriptor(data)
}

// ParseDescriptor decodes and validates one descriptor.
func ParseDescriptor(data []byte) (*Descriptor, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, fmt.Errorf("empty descriptor")
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	var d Descriptor
	if err := dec.Decode(&d); err != nil {
		return nil, err
	}
	if dec.More() {
		return nil, fmt.Errorf("trailing data after descriptor")
	}
	if err := d.Validate(); err != nil {
		return nil, err
	}
	return &d, nil
}

// Emitter writes output lines. It is safe for concurrent use; each line is
// written and flushed atomically.
type Emitter struct {
	mu sync.Mutex
	w  *bufio.Writer
}

// NewEmitter creates an emitter over w.
func NewEmitter(w io.Writer) *Emitter {
	return &Emitter{w: bufio.NewWriter(w)}
}

func (e *Emitter) writeLine(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal output: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if _, err := e.w.Write(data); err != nil {
		return fmt.Errorf("failed to write output: %w", err)
	}
	if err := e.w.WriteByte('\n'); err != nil {
		return fmt.Errorf("failed to write newline: %w", err)
	}
	if err := e.w.Flush(); err != nil {
		return fmt.Errorf("failed to flush: %w", err)
	}
	return nil
}

// Status writes a simple {progress, message} line.
func (e *Emitter) Status(progress int, message string) error {
	return e.writeLine(Status{Progress: *Percent(progress), Message: message})
}

// Event writes a rich event line.
func (e *Emitter) Event(ev Event) error {
	return e.writeLine(ev)
}

// Error writes the terminal failure line with its classification.
func (e *Emitter) Error(ce *classify.ClassifiedError) error {
	return e.writeLine(Event{
		EventType: EventError,
		Message:   ErrorPrefix + ce.Error(),
		Error:     ce,
	})
}

// Done writes the terminal success line.
func (e *Emitter) Done(message string) error {
	return e.writeLine(Event{
		EventType: EventDone,
		Percent:   Percent(100),
		Message:   message,
	})
}

// Reader decodes helper output lines.
type Reader struct {
	scanner *bufio.Scanner
}

// NewReader creates a reader over r.
func NewReader(r io.Reader) *Reader {
	scanner := bufio.NewScanner(r)
	buf := make([]byte, 64*1024)
	scanner.Buffer(buf, maxDescriptorSize)
	return &Reader{scanner: scanner}
}

// Next returns the next output line, io.EOF at end of stream. Lines that are
// not protocol JSON are returned as log events so nothing the helper prints
// is lost.
func (r *Reader) Next() (*Line, error) {
	for r.scanner.Scan() {
		raw := bytes.TrimSpace(r.scanner.Bytes())
		if len(raw) == 0 {
			continue
		}
		return ParseLine(raw), nil
	}
	if err := r.scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan error: %w", err)
	}
	return nil, io.EOF
}

// ParseLine decodes a single output line.
func ParseLine(raw []byte) *Line {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(raw, &probe); err != nil {
		return &Line{Event: &Event{EventType: EventLog, Message: string(raw)}}
	}
	if _, ok := probe["event_type"]; ok {
		var ev Event
		if err := json.Unmarshal(raw, &ev); err == nil {
			return &Line{Event: &ev}
		}
	}
	var st Status
	if err := json.Unmarshal(raw, &st); err == nil {
		return &Line{Status: &st}
	}
	return &Line{Event: &Event{EventType: EventLog, Message: string(raw)}}
}
