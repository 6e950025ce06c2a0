package protocol

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"
)

// maxLineSize bounds a single feed line.
const maxLineSize = 10 * 1024 * 1024

// Encoder writes feed messages to an io.Writer. It is safe for concurrent use.
type Encoder struct {
	mu  sync.Mutex
	w   *bufio.Writer
	now func() time.Time
}

// NewEncoder creates a new feed encoder.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{
		w:   bufio.NewWriter(w),
		now: time.Now,
	}
}

// Encode writes a message to the output stream.
func (e *Encoder) Encode(msgType MessageType, data interface{}) error {
	if err := msgType.Validate(); err != nil {
		return fmt.Errorf("invalid message type: %w", err)
	}

	var dataBytes []byte
	var err error
	if data != nil {
		dataBytes, err = json.Marshal(data)
		if err != nil {
			return fmt.Errorf("failed to marshal data: %w", err)
		}
	}

	msg := Message{
		Type:      msgType,
		Timestamp: e.now().UTC(),
		Data:      dataBytes,
	}

	msgBytes, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if _, err := e.w.Write(msgBytes); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	if err := e.w.WriteByte('\n'); err != nil {
		return fmt.Errorf("failed to write newline: %w", err)
	}
	if err := e.w.Flush(); err != nil {
		return fmt.Errorf("failed to flush: %w", err)
	}

	return nil
}

// EncodeObject writes an OBJECT message.
func (e *Encoder) EncodeObject(obj *ObjectMessage) error {
	if err := obj.Validate(); err != nil {
		return fmt.Errorf("invalid object: %w", err)
	}
	return e.Encode(MessageTypeObject, obj)
}

// EncodeExport writes an EXPORT message.
func (e *Encoder) EncodeExport(exp *ExportMessage) error {
	if err := exp.Validate(); err != nil {
		return fmt.Errorf("invalid export: %w", err)
	}
	return e.Encode(MessageTypeExport, exp)
}

// EncodeResult writes a RESULT message.
func (e *Encoder) EncodeResult(result *ResultMessage) error {
	return e.Encode(MessageTypeResult, result)
}

// EncodeError writes an ERROR message.
func (e *Encoder) EncodeError(errMsg *ErrorMessage) error {
	return e.Encode(MessageTypeError, errMsg)
}

// EncodeEnd writes an END message.
func (e *Encoder) EncodeEnd(end *EndMessage) error {
	return e.Encode(MessageTypeEnd, end)
}

// Decoder reads feed messages from an io.Reader.
type Decoder struct {
	r    *bufio.Scanner
	line int
}

// NewDecoder creates a new feed decoder.
func NewDecoder(r io.Reader) *Decoder {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)
	return &Decoder{
		r: scanner,
	}
}

// Line returns the number of the last line read.
func (d *Decoder) Line() int {
	return d.line
}

// Decode reads the next message from the input stream. Blank lines are
// skipped; io.EOF is returned at the end of the stream.
func (d *Decoder) Decode() (*Message, error) {
	for {
		if !d.r.Scan() {
			if err := d.r.Err(); err != nil {
				return nil, fmt.Errorf("scan error: %w", err)
			}
			return nil, io.EOF
		}
		d.line++

		line := bytes.TrimSpace(d.r.Bytes())
		if len(line) == 0 {
			continue
		}

		var msg Message
		if err := json.Unmarshal(line, &msg); err != nil {
			return nil, fmt.Errorf("line %d: failed to unmarshal message: %w", d.line, err)
		}
		if err := msg.Type.Validate(); err != nil {
			return nil, fmt.Errorf("line %d: invalid message: %w", d.line, err)
		}
		return &msg, nil
	}
}

// ParseData parses message data into a specific type.
func ParseData(data json.RawMessage, target interface{}) error {
	if err := json.Unmarshal(data, target); err != nil {
		return fmt.Errorf("failed to parse data: %w", err)
	}
	return nil
}
