// Package record provides the data model for queued offline mutations.
//
// A Record is one client-side operation (document upload or application
// submission) captured while the network was unavailable and awaiting
// delivery to the server. Records are immutable after creation: the queue
// store never updates a record in place, it only inserts and deletes.
package record

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"
)

// Kind identifies the type of queued operation.
type Kind string

const (
	// KindDocumentUpload is a queued identity-document upload.
	KindDocumentUpload Kind = "document-upload"

	// KindApplicationSubmission is a queued registration form submission.
	KindApplicationSubmission Kind = "application-submission"
)

// DocumentPayload carries the body of a document-upload record.
//
// Data holds the file content as a self-describing data URL
// (data:<mime>;base64,...) so the record is fully portable without a
// sidecar file. ExpiryDays of 0 means the document never expires.
type DocumentPayload struct {
	Filename     string `json:"filename"`
	DocumentType string `json:"document_type"`
	ExpiryDays   int    `json:"expiry_days,omitempty"`
	Data         string `json:"data"`
}

// ApplicationPayload carries the body of an application-submission record.
type ApplicationPayload struct {
	Company string            `json:"company"`
	Country string            `json:"country"`
	Fields  map[string]string `json:"fields"`
}

// Record is one queued mutation awaiting server confirmation.
//
// ID doubles as the idempotency key: the server deduplicates re-delivered
// records by ID, so retrying a whole batch after a partial server-side
// application is safe.
type Record struct {
	ID        string    `json:"id"`
	Kind      Kind      `json:"kind"`
	OwnerID   string    `json:"owner_id"`
	CreatedAt time.Time `json:"created_at"`

	// Exactly one of the following is set, matching Kind.
	Document    *DocumentPayload    `json:"document,omitempty"`
	Application *ApplicationPayload `json:"application,omitempty"`
}

// idCounter breaks ties between records created in the same millisecond.
var idCounter atomic.Uint64

// NewID returns a unique, monotonically distinguishable record ID.
//
// The ID is derived from the creation timestamp (milliseconds, base 36)
// with a process-local counter suffix, so IDs sort roughly by creation
// time and never collide within a process.
func NewID() string {
	now := time.Now().UnixMilli()
	n := idCounter.Add(1)
	return fmt.Sprintf("%s-%04x", strconv.FormatInt(now, 36), n&0xffff)
}

// NewDocumentUpload builds a document-upload record from raw file content.
func NewDocumentUpload(ownerID, filename, documentType, mimeType string, content []byte, expiryDays int) *Record {
	return &Record{
		ID:        NewID(),
		Kind:      KindDocumentUpload,
		OwnerID:   ownerID,
		CreatedAt: time.Now().UTC(),
		Document: &DocumentPayload{
			Filename:     filename,
			DocumentType: documentType,
			ExpiryDays:   expiryDays,
			Data:         EncodeDataURL(mimeType, content),
		},
	}
}

// NewApplicationSubmission builds an application-submission record.
func NewApplicationSubmission(ownerID, company, country string, fields map[string]string) *Record {
	return &Record{
		ID:        NewID(),
		Kind:      KindApplicationSubmission,
		OwnerID:   ownerID,
		CreatedAt: time.Now().UTC(),
		Application: &ApplicationPayload{
			Company: company,
			Country: country,
			Fields:  fields,
		},
	}
}

// Validate checks that the record is internally consistent.
func (r *Record) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("id is required")
	}
	if r.OwnerID == "" {
		return fmt.Errorf("owner_id is required")
	}
	if r.CreatedAt.IsZero() {
		return fmt.Errorf("created_at is required")
	}

	switch r.Kind {
	case KindDocumentUpload:
		if r.Document == nil {
			return fmt.Errorf("document payload is required for %s", r.Kind)
		}
		if r.Application != nil {
			return fmt.Errorf("application payload not allowed for %s", r.Kind)
		}
		if r.Document.Filename == "" {
			return fmt.Errorf("document filename is required")
		}
		if r.Document.DocumentType == "" {
			return fmt.Errorf("document type is required")
		}
		if r.Document.Data == "" {
			return fmt.Errorf("document data is required")
		}
		if r.Document.ExpiryDays < 0 {
			return fmt.Errorf("expiry_days must not be negative (got %d)", r.Document.ExpiryDays)
		}
	case KindApplicationSubmission:
		if r.Application == nil {
			return fmt.Errorf("application payload is required for %s", r.Kind)
		}
		if r.Document != nil {
			return fmt.Errorf("document payload not allowed for %s", r.Kind)
		}
		if r.Application.Company == "" {
			return fmt.Errorf("application company is required")
		}
		if r.Application.Country == "" {
			return fmt.Errorf("application country is required")
		}
	default:
		return fmt.Errorf("unknown record kind %q", r.Kind)
	}

	return nil
}

// Marshal serializes the record to JSON for storage and transport.
func (r *Record) Marshal() ([]byte, error) {
	if err := r.Validate(); err != nil {
		return nil, fmt.Errorf("cannot marshal invalid record: %w", err)
	}
	data, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal record %s: %w", r.ID, err)
	}
	return data, nil
}

// Unmarshal parses a stored record and validates it.
func Unmarshal(data []byte) (*Record, error) {
	var r Record
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("failed to parse record: %w", err)
	}
	if err := r.Validate(); err != nil {
		return nil, fmt.Errorf("invalid record: %w", err)
	}
	return &r, nil
}

// EncodeDataURL encodes binary content as a data URL.
// An empty mimeType defaults to application/octet-stream.
func EncodeDataURL(mimeType string, content []byte) string {
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	return "data:" + mimeType + ";base64," + base64.StdEncoding.EncodeToString(content)
}

// DecodeDataURL decodes a data URL produced by EncodeDataURL back into
// its MIME type and binary content.
func DecodeDataURL(s string) (mimeType string, content []byte, err error) {
	rest, ok := strings.CutPrefix(s, "data:")
	if !ok {
		return "", nil, fmt.Errorf("not a data URL")
	}

	meta, payload, ok := strings.Cut(rest, ",")
	if !ok {
		return "", nil, fmt.Errorf("malformed data URL: missing payload separator")
	}

	mimeType, enc, ok := strings.Cut(meta, ";")
	if !ok || enc != "base64" {
		return "", nil, fmt.Errorf("unsupported data URL encoding %q", meta)
	}

	content, err = base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return "", nil, fmt.Errorf("failed to decode data URL payload: %w", err)
	}

	return mimeType, content, nil
}
