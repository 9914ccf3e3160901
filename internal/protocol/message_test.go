package protocol

import (
	"errors"
	"testing"

	"github.com/octatecode/collabd/internal/ot"
)

func TestParseRejectsUnknownType(testContext *testing.T) {
	_, err := Parse([]byte(`{"type":"teleport","roomId":"r1"}`))
	if !errors.Is(err, ErrParse) {
		testContext.Fatalf("expected ErrParse, got %v", err)
	}
}

func TestParseRejectsMalformedJSON(testContext *testing.T) {
	_, err := Parse([]byte(`{"type":`))
	if !errors.Is(err, ErrParse) {
		testContext.Fatalf("expected ErrParse, got %v", err)
	}
}

func TestOperationRoundTrip(testContext *testing.T) {
	op := ot.Operation{
		UserID:    "alice",
		Type:      ot.TypeInsert,
		Position:  3,
		Content:   "hi",
		Timestamp: 42,
		Version:   7,
	}
	message, err := New(TypeOperation, "room-1", "alice", op)
	if err != nil {
		testContext.Fatalf("failed to build message: %v", err)
	}

	frame, err := message.Encode()
	if err != nil {
		testContext.Fatalf("failed to encode: %v", err)
	}
	parsed, err := Parse(frame)
	if err != nil {
		testContext.Fatalf("failed to parse: %v", err)
	}
	if parsed.Type != TypeOperation || parsed.RoomID != "room-1" {
		testContext.Fatalf("unexpected envelope: %+v", parsed)
	}

	var decoded ot.Operation
	if err := parsed.DecodePayload(&decoded); err != nil {
		testContext.Fatalf("failed to decode payload: %v", err)
	}
	if decoded != op {
		testContext.Fatalf("expected %+v, got %+v", op, decoded)
	}
}

func TestSignalPayloadForwardsOpaqueSignal(testContext *testing.T) {
	message, err := New(TypeOffer, "room-1", "alice", SignalPayload{
		To:     "bob",
		From:   "alice",
		Signal: []byte(`{"sdp":"v=0"}`),
	})
	if err != nil {
		testContext.Fatalf("failed to build message: %v", err)
	}

	var payload SignalPayload
	if err := message.DecodePayload(&payload); err != nil {
		testContext.Fatalf("failed to decode payload: %v", err)
	}
	if payload.To != "bob" || payload.From != "alice" {
		testContext.Fatalf("unexpected routing: %+v", payload)
	}
	if string(payload.Signal) != `{"sdp":"v=0"}` {
		testContext.Fatalf("signal body not preserved: %s", payload.Signal)
	}
}

func TestDecodePayloadWithoutDataFails(testContext *testing.T) {
	message := Message{Type: TypeAuth}
	var payload AuthPayload
	if err := message.DecodePayload(&payload); !errors.Is(err, ErrParse) {
		testContext.Fatalf("expected ErrParse for empty payload, got %v", err)
	}
}
