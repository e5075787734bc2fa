package hub

import (
	"testing"

	"github.com/example/report-form-engine/internal/types"
)

func TestEnvelopeRoundTrip(t *testing.T) {
	env := Envelope{
		Type:    FrameJoin,
		Room:    "r1",
		Session: "tab-1",
		Member:  &types.Member{UserID: "u1", Username: "alice"},
	}
	data, err := Encode(env)
	if err != nil {
		t.Fatalf("encode err: %v", err)
	}

	decoded, err := Decode(data)
	if err != nil {
		t.Fatalf("decode err: %v", err)
	}
	if decoded.Type != FrameJoin || decoded.Room != "r1" || decoded.Session != "tab-1" {
		t.Fatalf("header mangled: %+v", decoded)
	}
	if decoded.Member == nil || decoded.Member.Username != "alice" {
		t.Fatalf("member mangled: %+v", decoded.Member)
	}
}

func TestDecodeRejectsMissingType(t *testing.T) {
	if _, err := Decode([]byte(`{"room":"r1"}`)); err == nil {
		t.Fatal("expected error for missing type")
	}
}

func TestDecodeRejectsMalformedJSON(t *testing.T) {
	if _, err := Decode([]byte(`{"type":`)); err == nil {
		t.Fatal("expected error for malformed payload")
	}
}

func TestRevisionEnvelopeCarriesPayload(t *testing.T) {
	env := Envelope{
		Type:     FrameRevisionUpdated,
		Room:     "r1",
		Revision: &RevisionEvent{ReportID: "r1", Revision: 7},
	}
	data, err := Encode(env)
	if err != nil {
		t.Fatalf("encode err: %v", err)
	}
	decoded, err := Decode(data)
	if err != nil {
		t.Fatalf("decode err: %v", err)
	}
	if decoded.Revision == nil || decoded.Revision.Revision != 7 {
		t.Fatalf("revision payload mangled: %+v", decoded.Revision)
	}
}
