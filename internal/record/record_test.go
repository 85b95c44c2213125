package record

import (
	"bytes"
	"strings"
	"testing"
	"time"
)

func TestNewIDUnique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := NewID()
		if seen[id] {
			t.Fatalf("duplicate ID generated: %s", id)
		}
		seen[id] = true
	}
}

func TestNewDocumentUpload(t *testing.T) {
	rec := NewDocumentUpload("+2341234567890", "passport.pdf", "passport", "application/pdf", []byte("pdf-bytes"), 30)

	if err := rec.Validate(); err != nil {
		t.Fatalf("Validate failed: %v", err)
	}
	if rec.Kind != KindDocumentUpload {
		t.Errorf("expected kind %s, got %s", KindDocumentUpload, rec.Kind)
	}
	if rec.Application != nil {
		t.Error("document record must not carry an application payload")
	}
	if !strings.HasPrefix(rec.Document.Data, "data:application/pdf;base64,") {
		t.Errorf("unexpected data URL prefix: %s", rec.Document.Data[:40])
	}
	if rec.CreatedAt.IsZero() {
		t.Error("created_at not set")
	}
}

func TestNewApplicationSubmission(t *testing.T) {
	rec := NewApplicationSubmission("+2341234567890", "cac", "ng", map[string]string{
		"fullName": "Thabo Mthembu",
	})

	if err := rec.Validate(); err != nil {
		t.Fatalf("Validate failed: %v", err)
	}
	if rec.Kind != KindApplicationSubmission {
		t.Errorf("expected kind %s, got %s", KindApplicationSubmission, rec.Kind)
	}
	if rec.Document != nil {
		t.Error("application record must not carry a document payload")
	}
}

func TestValidateRejections(t *testing.T) {
	base := func() *Record {
		return NewDocumentUpload("+27821234567", "id.png", "national_id", "image/png", []byte{1, 2, 3}, 0)
	}

	tests := []struct {
		name   string
		mutate func(*Record)
	}{
		{"missing id", func(r *Record) { r.ID = "" }},
		{"missing owner", func(r *Record) { r.OwnerID = "" }},
		{"missing created_at", func(r *Record) { r.CreatedAt = time.Time{} }},
		{"unknown kind", func(r *Record) { r.Kind = "delete-everything" }},
		{"missing payload", func(r *Record) { r.Document = nil }},
		{"both payloads", func(r *Record) { r.Application = &ApplicationPayload{Company: "cac", Country: "ng"} }},
		{"missing filename", func(r *Record) { r.Document.Filename = "" }},
		{"missing document type", func(r *Record) { r.Document.DocumentType = "" }},
		{"missing data", func(r *Record) { r.Document.Data = "" }},
		{"negative expiry", func(r *Record) { r.Document.ExpiryDays = -1 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := base()
			tt.mutate(rec)
			if err := rec.Validate(); err == nil {
				t.Error("expected validation error, got nil")
			}
		})
	}
}

func TestMarshalRoundTrip(t *testing.T) {
	orig := NewApplicationSubmission("+250788123456", "rdb", "rw", map[string]string{
		"companyName":  "Ubuntu Tech Solutions",
		"shareCapital": "100000",
	})

	data, err := orig.Marshal()
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}

	parsed, err := Unmarshal(data)
	if err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}

	if parsed.ID != orig.ID {
		t.Errorf("id mismatch: %s != %s", parsed.ID, orig.ID)
	}
	if parsed.Application.Fields["companyName"] != "Ubuntu Tech Solutions" {
		t.Errorf("field lost in round trip: %+v", parsed.Application.Fields)
	}
}

func TestUnmarshalRejectsInvalid(t *testing.T) {
	if _, err := Unmarshal([]byte(`{"id":"x"}`)); err == nil {
		t.Error("expected error for record without kind")
	}
	if _, err := Unmarshal([]byte(`not json`)); err == nil {
		t.Error("expected error for malformed JSON")
	}
}

func TestDataURLRoundTrip(t *testing.T) {
	content := []byte{0x89, 0x50, 0x4e, 0x47, 0x00, 0xff}
	url := EncodeDataURL("image/png", content)

	mime, decoded, err := DecodeDataURL(url)
	if err != nil {
		t.Fatalf("DecodeDataURL failed: %v", err)
	}
	if mime != "image/png" {
		t.Errorf("expected image/png, got %s", mime)
	}
	if !bytes.Equal(decoded, content) {
		t.Errorf("content mismatch: %v != %v", decoded, content)
	}
}

func TestDataURLDefaultsMime(t *testing.T) {
	url := EncodeDataURL("", []byte("x"))
	mime, _, err := DecodeDataURL(url)
	if err != nil {
		t.Fatalf("DecodeDataURL failed: %v", err)
	}
	if mime != "application/octet-stream" {
		t.Errorf("expected default mime, got %s", mime)
	}
}

func TestDecodeDataURLErrors(t *testing.T) {
	for _, s := range []string{
		"http://example.com/file.png",
		"data:image/png",
		"data:image/png;base64,%%%",
		"data:image/png;hex,00ff",
	} {
		if _, _, err := DecodeDataURL(s); err == nil {
			t.Errorf("expected error for %q", s)
		}
	}
}
