package protocol

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/jimsync/jim/pkg/engine"
)

// StreamConnector writes export requests to a feed. It implements
// engine.Connector.
//
// A one-way connector treats an export as applied once it is written. A
// duplex connector waits for the RESULT or ERROR line answering each request.
type StreamConnector struct {
	enc *Encoder
	dec *Decoder

	mu     sync.Mutex
	sent   int
	closed bool
}

// NewStreamConnector creates a one-way connector writing to w.
func NewStreamConnector(w io.Writer) *StreamConnector {
	return &StreamConnector{enc: NewEncoder(w)}
}

// NewDuplexConnector creates a connector writing requests to w and reading
// their answers from r.
func NewDuplexConnector(w io.Writer, r io.Reader) *StreamConnector {
	return &StreamConnector{enc: NewEncoder(w), dec: NewDecoder(r)}
}

// Sent returns the number of export requests written.
func (c *StreamConnector) Sent() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sent
}

// Export implements engine.Connector.
func (c *StreamConnector) Export(ctx context.Context, req engine.ExportRequest) (*engine.ExportResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if req.Object == nil {
		return nil, engine.NewPermanentError("export request has no object", nil).
			WithCode(engine.ErrCodeValidation).
			WithResource(req.PendingExportID)
	}

	msg := &ExportMessage{
		PendingExportID: req.PendingExportID,
		ConnectedSystem: req.Object.ConnectedSystemID,
		ObjectType:      req.Object.ObjectTypeID,
		ObjectID:        req.Object.ID,
		ExternalID:      req.Object.ExternalID,
		ChangeType:      req.ChangeType,
		Changes:         req.Changes,
	}
	if err := msg.Validate(); err != nil {
		return nil, engine.NewPermanentError("invalid export request", err).
			WithCode(engine.ErrCodeValidation).
			WithResource(req.PendingExportID)
	}

	// one request in flight so answers pair with their requests
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, engine.NewPermanentError("connector is closed", nil).
			WithCode(engine.ErrCodeConnectorFailed)
	}

	if err := c.enc.EncodeExport(msg); err != nil {
		return nil, engine.NewTransientError("failed to write export request", err).
			WithCode(engine.ErrCodeConnectorFailed).
			WithResource(req.PendingExportID)
	}
	c.sent++

	if c.dec == nil {
		return &engine.ExportResult{}, nil
	}
	return c.awaitAnswer(req.PendingExportID)
}

func (c *StreamConnector) awaitAnswer(pendingExportID string) (*engine.ExportResult, error) {
	msg, err := c.dec.Decode()
	if err == io.EOF {
		return nil, engine.NewTransientError("connected system closed the feed", nil).
			WithCode(engine.ErrCodeConnectorFailed).
			WithResource(pendingExportID)
	}
	if err != nil {
		return nil, engine.NewTransientError("failed to read export answer", err).
			WithCode(engine.ErrCodeConnectorFailed).
			WithResource(pendingExportID)
	}

	switch msg.Type {
	case MessageTypeResult:
		var res ResultMessage
		if err := ParseData(msg.Data, &res); err != nil {
			return nil, engine.NewPermanentError("malformed export result", err).
				WithCode(engine.ErrCodeConnectorFailed).
				WithResource(pendingExportID)
		}
		if res.PendingExportID != pendingExportID {
			return nil, engine.NewPermanentError(
				fmt.Sprintf("export result for %s answered request %s", res.PendingExportID, pendingExportID), nil).
				WithCode(engine.ErrCodeConnectorFailed).
				WithResource(pendingExportID)
		}
		result := &engine.ExportResult{ExternalID: res.ExternalID}
		if len(res.Attributes) > 0 {
			result.Attributes = make(map[string]engine.Value, len(res.Attributes))
			for name, raw := range res.Attributes {
				v, err := DecodeValue(raw)
				if err != nil {
					return nil, engine.NewPermanentError("malformed export result attribute "+name, err).
						WithCode(engine.ErrCodeConnectorFailed).
						WithResource(pendingExportID)
				}
				result.Attributes[name] = v
			}
		}
		return result, nil

	case MessageTypeError:
		var errMsg ErrorMessage
		if err := ParseData(msg.Data, &errMsg); err != nil {
			return nil, engine.NewPermanentError("malformed export error", err).
				WithCode(engine.ErrCodeConnectorFailed).
				WithResource(pendingExportID)
		}
		if errMsg.PendingExportID == "" {
			errMsg.PendingExportID = pendingExportID
		}
		return nil, feedError(&errMsg)

	default:
		return nil, engine.NewTransientError(fmt.Sprintf("unexpected %s message answering export", msg.Type), nil).
			WithCode(engine.ErrCodeConnectorFailed).
			WithResource(pendingExportID)
	}
}

// Close writes the END line. Later exports fail.
func (c *StreamConnector) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return c.enc.EncodeEnd(&EndMessage{Count: c.sent})
}

var _ engine.Connector = (*StreamConnector)(nil)
