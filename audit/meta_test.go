package audit

import (
	"strings"
	"testing"
)

func TestDecodeMetaReturnsValueVariants(t *testing.T) {
	amount := "42.50"
	raw, err := EncodeMeta(OutcomeSet{ResolutionID: "r1", Outcome: "proposed", FaultClient: 60, FaultProfessional: 40, Amount: &amount})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if !strings.Contains(string(raw), `"kind":"outcome_set"`) {
		t.Fatalf("expected kind tag in %s", raw)
	}

	meta, err := DecodeMeta(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	got, ok := meta.(OutcomeSet)
	if !ok {
		t.Fatalf("expected OutcomeSet value, got %T", meta)
	}
	if got.FaultClient != 60 || got.Amount == nil || *got.Amount != "42.50" {
		t.Fatalf("unexpected decoded meta %+v", got)
	}
}

func TestDecodeMetaUnknownKindFallsBackToNote(t *testing.T) {
	meta, err := DecodeMeta([]byte(`{"kind":"refund_disputed","data":{"by":"bank"}}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	note, ok := meta.(Note)
	if !ok {
		t.Fatalf("expected Note, got %T", meta)
	}
	if !strings.Contains(note.Text, "bank") {
		t.Fatalf("expected raw payload preserved, got %q", note.Text)
	}
}

func TestEncodeNilMeta(t *testing.T) {
	raw, err := EncodeMeta(nil)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	meta, err := DecodeMeta(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if _, ok := meta.(Note); !ok {
		t.Fatalf("expected Note, got %T", meta)
	}
}

func TestDecodeMetaRejectsGarbage(t *testing.T) {
	if _, err := DecodeMeta([]byte(`not json`)); err == nil {
		t.Fatalf("expected error")
	}
}
