package protocol

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/jimsync/jim/pkg/engine"
)

func exportRequest(id string, changeType engine.ObjectChangeType) engine.ExportRequest {
	return engine.ExportRequest{
		PendingExportID: id,
		Object: &engine.ConnectedSystemObject{
			ID:                "cso-" + id,
			ConnectedSystemID: "ad",
			ObjectTypeID:      "user",
			ExternalID:        "CN=Jo",
		},
		ChangeType: changeType,
		Changes: []engine.PendingExportAttributeValueChange{{
			ID:          "c-" + id,
			AttributeID: "mail",
			ChangeType:  engine.ValueChangeUpdate,
			Value:       engine.TextValue("jo@example.com"),
		}},
	}
}

func TestStreamConnector_OneWay(t *testing.T) {
	var out bytes.Buffer
	conn := NewStreamConnector(&out)

	for _, id := range []string{"pe-1", "pe-2"} {
		res, err := conn.Export(context.Background(), exportRequest(id, engine.ObjectChangeUpdate))
		if err != nil {
			t.Fatalf("Export failed: %v", err)
		}
		if res == nil || res.ExternalID != "" {
			t.Errorf("Unexpected result: %+v", res)
		}
	}
	if err := conn.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if conn.Sent() != 2 {
		t.Errorf("Expected 2 sent, got %d", conn.Sent())
	}

	dec := NewDecoder(&out)
	for _, id := range []string{"pe-1", "pe-2"} {
		msg, err := dec.Decode()
		if err != nil {
			t.Fatalf("Decode failed: %v", err)
		}
		if msg.Type != MessageTypeExport {
			t.Fatalf("Expected EXPORT, got %s", msg.Type)
		}
		var exp ExportMessage
		if err := ParseData(msg.Data, &exp); err != nil {
			t.Fatalf("ParseData failed: %v", err)
		}
		if exp.PendingExportID != id || exp.ConnectedSystem != "ad" || exp.ExternalID != "CN=Jo" {
			t.Errorf("Unexpected export message: %+v", exp)
		}
	}

	msg, err := dec.Decode()
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	var end EndMessage
	if msg.Type != MessageTypeEnd || ParseData(msg.Data, &end) != nil || end.Count != 2 {
		t.Errorf("Expected END with count 2, got %s %s", msg.Type, msg.Data)
	}

	if _, err := conn.Export(context.Background(), exportRequest("pe-3", engine.ObjectChangeUpdate)); err == nil {
		t.Error("Expected export after close to fail")
	}
}

func TestStreamConnector_InvalidRequest(t *testing.T) {
	conn := NewStreamConnector(&bytes.Buffer{})

	_, err := conn.Export(context.Background(), engine.ExportRequest{PendingExportID: "pe-1"})
	if !engine.IsPermanent(err) {
		t.Errorf("Expected permanent error for missing object, got %v", err)
	}

	req := exportRequest("pe-1", engine.ObjectChangeType("rename"))
	if _, err := conn.Export(context.Background(), req); !engine.IsPermanent(err) {
		t.Errorf("Expected permanent error for bad change type, got %v", err)
	}
	if conn.Sent() != 0 {
		t.Errorf("Expected nothing sent, got %d", conn.Sent())
	}
}

func TestDuplexConnector(t *testing.T) {
	answers := strings.Join([]string{
		`{"type":"RESULT","data":{"pending_export_id":"pe-1","external_id":"CN=Jo,OU=Staff","attributes":{"objectGUID":{"type":"guid","value":"7f1c9d8e-2b4a-4c3e-9f0a-1b2c3d4e5f60"}}}}`,
		`{"type":"ERROR","data":{"pending_export_id":"pe-2","code":"CONNECTOR_FAILED","message":"busy","retryable":true}}`,
		`{"type":"ERROR","data":{"code":"CONSTRAINT","message":"mail taken"}}`,
		`{"type":"RESULT","data":{"pending_export_id":"pe-other"}}`,
	}, "\n")

	var out bytes.Buffer
	conn := NewDuplexConnector(&out, strings.NewReader(answers))
	ctx := context.Background()

	res, err := conn.Export(ctx, exportRequest("pe-1", engine.ObjectChangeCreate))
	if err != nil {
		t.Fatalf("Export failed: %v", err)
	}
	if res.ExternalID != "CN=Jo,OU=Staff" {
		t.Errorf("Expected assigned external id, got %q", res.ExternalID)
	}
	if v, ok := res.Attributes["objectGUID"]; !ok || v.DataType() != engine.AttributeDataTypeGUID {
		t.Errorf("Expected guid attribute, got %#v", res.Attributes)
	}

	_, err = conn.Export(ctx, exportRequest("pe-2", engine.ObjectChangeUpdate))
	if !engine.IsTransient(err) {
		t.Errorf("Expected transient error, got %v", err)
	}

	_, err = conn.Export(ctx, exportRequest("pe-3", engine.ObjectChangeUpdate))
	var engineErr *engine.EngineError
	if !errors.As(err, &engineErr) || engineErr.Class != engine.ErrorClassPermanent || engineErr.Code != "CONSTRAINT" {
		t.Errorf("Expected permanent CONSTRAINT error, got %v", err)
	}
	if engineErr != nil && engineErr.Resource != "pe-3" {
		t.Errorf("Expected error attributed to pe-3, got %q", engineErr.Resource)
	}

	_, err = conn.Export(ctx, exportRequest("pe-4", engine.ObjectChangeUpdate))
	if err == nil || !strings.Contains(err.Error(), "pe-other") {
		t.Errorf("Expected mismatched result error, got %v", err)
	}

	_, err = conn.Export(ctx, exportRequest("pe-5", engine.ObjectChangeUpdate))
	if !engine.IsTransient(err) || !strings.Contains(err.Error(), "closed the feed") {
		t.Errorf("Expected transient closed-feed error, got %v", err)
	}

	if conn.Sent() != 5 {
		t.Errorf("Expected 5 requests written, got %d", conn.Sent())
	}
}
