package protocol

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/jimsync/jim/pkg/engine"
)

// FeedSource reads import records from a JSON-lines feed. It implements
// engine.ImportSource.
type FeedSource struct {
	dec    *Decoder
	closer io.Closer
	count  int
	ended  bool
}

// NewFeedSource creates a source reading from r.
func NewFeedSource(r io.Reader) *FeedSource {
	s := &FeedSource{dec: NewDecoder(r)}
	if c, ok := r.(io.Closer); ok {
		s.closer = c
	}
	return s
}

// OpenFeed opens a feed file. The path "-" reads standard input.
func OpenFeed(path string) (*FeedSource, error) {
	if path == "-" {
		return &FeedSource{dec: NewDecoder(os.Stdin)}, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open feed: %w", err)
	}
	return NewFeedSource(f), nil
}

// Count returns the number of records read so far.
func (s *FeedSource) Count() int {
	return s.count
}

// Close closes the underlying reader if it is closable.
func (s *FeedSource) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer.Close()
}

// Next implements engine.ImportSource. A record that cannot be decoded is
// returned with its Error set so the import rejects it and continues. A
// malformed line, an ERROR message or an END whose count disagrees with the
// records read stops the run.
func (s *FeedSource) Next(ctx context.Context) (*engine.ImportObject, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.ended {
		return nil, io.EOF
	}

	msg, err := s.dec.Decode()
	if err == io.EOF {
		s.ended = true
		return nil, io.EOF
	}
	if err != nil {
		return nil, engine.NewPermanentError("malformed import feed", err).
			WithCode(engine.ErrCodeValidation)
	}

	switch msg.Type {
	case MessageTypeObject:
		s.count++
		return s.decodeObject(msg)

	case MessageTypeEnd:
		s.ended = true
		var end EndMessage
		if len(msg.Data) > 0 {
			if err := ParseData(msg.Data, &end); err != nil {
				return nil, engine.NewPermanentError("malformed end of feed", err).
					WithCode(engine.ErrCodeValidation)
			}
		}
		if end.Count > 0 && end.Count != s.count {
			return nil, engine.NewPermanentError(
				fmt.Sprintf("feed announced %d records but contained %d", end.Count, s.count), nil).
				WithCode(engine.ErrCodeValidation)
		}
		return nil, io.EOF

	case MessageTypeError:
		var errMsg ErrorMessage
		if err := ParseData(msg.Data, &errMsg); err != nil {
			return nil, engine.NewPermanentError("malformed feed error", err).
				WithCode(engine.ErrCodeValidation)
		}
		return nil, feedError(&errMsg)

	default:
		return nil, engine.NewPermanentError(
			fmt.Sprintf("line %d: unexpected %s message in import feed", s.dec.Line(), msg.Type), nil).
			WithCode(engine.ErrCodeValidation)
	}
}

func (s *FeedSource) decodeObject(msg *Message) (*engine.ImportObject, error) {
	var om ObjectMessage
	if err := ParseData(msg.Data, &om); err != nil {
		return rejected(om.ObjectType, "invalid_record", fmt.Sprintf("line %d: %v", s.dec.Line(), err)), nil
	}
	if err := om.Validate(); err != nil {
		return rejected(om.ObjectType, "invalid_record", fmt.Sprintf("line %d: %v", s.dec.Line(), err)), nil
	}
	if om.Error != nil {
		return &engine.ImportObject{ObjectType: om.ObjectType, ChangeType: engine.ImportChangeNotSet, Error: om.Error}, nil
	}

	obj := &engine.ImportObject{
		ObjectType: om.ObjectType,
		ChangeType: om.ChangeType,
		Attributes: make([]engine.ImportObjectAttribute, 0, len(om.Attributes)),
	}
	if obj.ChangeType == "" {
		obj.ChangeType = engine.ImportChangeNotSet
	}
	for _, a := range om.Attributes {
		attr, err := DecodeAttribute(a)
		if err != nil {
			return rejected(om.ObjectType, "invalid_value", fmt.Sprintf("line %d: %v", s.dec.Line(), err)), nil
		}
		obj.Attributes = append(obj.Attributes, attr)
	}
	return obj, nil
}

func rejected(objectType, errType, message string) *engine.ImportObject {
	return &engine.ImportObject{
		ObjectType: objectType,
		ChangeType: engine.ImportChangeNotSet,
		Error:      &engine.ImportObjectError{Type: errType, Message: message},
	}
}

// feedError classifies an ERROR message from the other end of a feed.
func feedError(m *ErrorMessage) error {
	code := m.Code
	if code == "" {
		code = engine.ErrCodeConnectorFailed
	}
	var err *engine.EngineError
	switch {
	case m.RetryAfter > 0:
		err = engine.NewThrottledError(m.Message, nil).
			WithCode(engine.ErrCodeRateLimited).
			WithDetail("retry_after_seconds", m.RetryAfter)
	case m.Retryable:
		err = engine.NewTransientError(m.Message, nil).WithCode(code)
	default:
		err = engine.NewPermanentError(m.Message, nil).WithCode(code)
	}
	if m.PendingExportID != "" {
		err = err.WithResource(m.PendingExportID)
	}
	return err
}

var _ engine.ImportSource = (*FeedSource)(nil)
