// Package api provides the HTTP client for the registration server.
//
// The client covers the collaborator surface the sync engine depends on:
// authentication, the idempotent batch endpoint, the authoritative
// document/application reads, and the connectivity health probe. All
// failures are classified into the engine's error taxonomy so the queue
// processor can decide between silent retry and user-visible surfacing.
package api

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"time"

	"github.com/regdesk/regsync/internal/record"
)

// Error taxonomy for flush outcomes. Checked with errors.Is.
var (
	// ErrNetworkFailure means the call could not complete at the
	// transport level. Silently retried by the next trigger.
	ErrNetworkFailure = errors.New("network failure")

	// ErrServerRejected means the call completed but the server reported
	// non-success (or the response was malformed). Retried like a
	// network failure; the queue is preserved.
	ErrServerRejected = errors.New("server rejected batch")

	// ErrAuthExpired means the session was invalid at flush time. The
	// queue is preserved so a retry after re-login succeeds.
	ErrAuthExpired = errors.New("authentication expired")
)

// Client talks to the registration server.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// New creates a client for the server at baseURL.
// The token may be empty; set it after Login.
func New(baseURL, token string) *Client {
	return &Client{
		baseURL: baseURL,
		token:   token,
		http:    &http.Client{Timeout: 60 * time.Second},
	}
}

// SetToken replaces the bearer token used for authenticated calls.
func (c *Client) SetToken(token string) {
	c.token = token
}

// BaseURL returns the configured server address.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// LoginResponse is returned by a successful login.
type LoginResponse struct {
	Token string `json:"token"`
	Name  string `json:"name"`
	Phone string `json:"phone"`
}

// Login authenticates with phone number and PIN and returns a session
// token. The token is also installed on the client.
func (c *Client) Login(ctx context.Context, phone, pin string) (*LoginResponse, error) {
	body, _ := json.Marshal(map[string]string{"phone": phone, "pin": pin})

	resp, err := c.do(ctx, http.MethodPost, "/api/login", "application/json", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return nil, fmt.Errorf("invalid credentials")
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: login returned status %d", ErrServerRejected, resp.StatusCode)
	}

	var login LoginResponse
	if err := json.NewDecoder(resp.Body).Decode(&login); err != nil {
		return nil, fmt.Errorf("%w: malformed login response: %v", ErrServerRejected, err)
	}

	c.token = login.Token
	return &login, nil
}

// Logout invalidates the current session server-side.
func (c *Client) Logout(ctx context.Context) error {
	resp, err := c.do(ctx, http.MethodPost, "/api/logout", "application/json", nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: logout returned status %d", ErrServerRejected, resp.StatusCode)
	}
	return nil
}

// batchRequest is the wire format of the batch submission endpoint.
type batchRequest struct {
	Records []*record.Record `json:"records"`
}

// BatchItemResult reports the per-record outcome within a batch.
type BatchItemResult struct {
	ID     string `json:"id"`
	Status string `json:"status"` // applied, duplicate
}

// batchResponse is the server's answer to a batch submission.
type batchResponse struct {
	Success   bool              `json:"success"`
	Processed []BatchItemResult `json:"processed_items"`
}

// ProcessQueue delivers the full ordered list of pending records in one
// batch call.
//
// The server applies the batch transactionally and deduplicates by record
// ID, so re-delivering a batch that was durably applied but never
// acknowledged is a no-op. Any outcome other than a full-batch success is
// returned as a classified error and the caller must leave its queue
// untouched.
func (c *Client) ProcessQueue(ctx context.Context, records []*record.Record) error {
	body, err := json.Marshal(batchRequest{Records: records})
	if err != nil {
		return fmt.Errorf("failed to marshal batch: %w", err)
	}

	resp, err := c.do(ctx, http.MethodPost, "/api/process-queue", "application/json", bytes.NewReader(body))
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return fmt.Errorf("%w: batch submission requires re-login", ErrAuthExpired)
	case resp.StatusCode != http.StatusOK:
		return fmt.Errorf("%w: batch returned status %d", ErrServerRejected, resp.StatusCode)
	}

	var batch batchResponse
	if err := json.NewDecoder(resp.Body).Decode(&batch); err != nil {
		return fmt.Errorf("%w: malformed batch response: %v", ErrServerRejected, err)
	}
	if !batch.Success {
		return fmt.Errorf("%w: server reported failure", ErrServerRejected)
	}

	return nil
}

// Document is an authoritative server-side document row.
type Document struct {
	ID           int64      `json:"id"`
	DocumentType string     `json:"document_type"`
	Filename     string     `json:"filename"`
	UploadDate   time.Time  `json:"upload_date"`
	ExpiryDate   *time.Time `json:"expiry_date"`
}

// Documents fetches the current active document list. This is the only
// source the status reconciler reads; queued-but-unconfirmed uploads are
// never substituted here.
func (c *Client) Documents(ctx context.Context) ([]Document, error) {
	resp, err := c.do(ctx, http.MethodGet, "/api/documents", "", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return nil, fmt.Errorf("%w: document list requires re-login", ErrAuthExpired)
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("%w: documents returned status %d", ErrServerRejected, resp.StatusCode)
	}

	var out struct {
		Documents []Document `json:"documents"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("%w: malformed documents response: %v", ErrServerRejected, err)
	}
	return out.Documents, nil
}

// DocumentFile is a downloaded document's file payload.
type DocumentFile struct {
	Filename string
	MimeType string
	Content  []byte
}

// DownloadDocument fetches the stored bytes of one document by its
// server-side id.
func (c *Client) DownloadDocument(ctx context.Context, id int64) (*DocumentFile, error) {
	resp, err := c.do(ctx, http.MethodGet, fmt.Sprintf("/api/documents/%d", id), "", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return nil, fmt.Errorf("%w: download requires re-login", ErrAuthExpired)
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("document %d not found", id)
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("%w: download returned status %d", ErrServerRejected, resp.StatusCode)
	}

	var out struct {
		Filename string `json:"filename"`
		MimeType string `json:"mime_type"`
		Content  string `json:"content"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("%w: malformed download response: %v", ErrServerRejected, err)
	}
	content, err := base64.StdEncoding.DecodeString(out.Content)
	if err != nil {
		return nil, fmt.Errorf("%w: undecodable document content: %v", ErrServerRejected, err)
	}

	return &DocumentFile{Filename: out.Filename, MimeType: out.MimeType, Content: content}, nil
}

// Application is an authoritative server-side application row.
type Application struct {
	ID        int64     `json:"id"`
	Company   string    `json:"company"`
	Country   string    `json:"country"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}

// Applications fetches the user's submitted applications.
func (c *Client) Applications(ctx context.Context) ([]Application, error) {
	resp, err := c.do(ctx, http.MethodGet, "/api/applications", "", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return nil, fmt.Errorf("%w: application list requires re-login", ErrAuthExpired)
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("%w: applications returned status %d", ErrServerRejected, resp.StatusCode)
	}

	var out struct {
		Applications []Application `json:"applications"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("%w: malformed applications response: %v", ErrServerRejected, err)
	}
	return out.Applications, nil
}

// UploadDocument is the direct online path for a document upload,
// bypassing the queue. Used when the client believes it is online.
func (c *Client) UploadDocument(ctx context.Context, filename, documentType string, content []byte, expiryDays int) error {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	fw, err := mw.CreateFormFile("file", filename)
	if err != nil {
		return fmt.Errorf("failed to build multipart body: %w", err)
	}
	if _, err := fw.Write(content); err != nil {
		return fmt.Errorf("failed to build multipart body: %w", err)
	}
	if err := mw.WriteField("document_type", documentType); err != nil {
		return fmt.Errorf("failed to build multipart body: %w", err)
	}
	if expiryDays > 0 {
		if err := mw.WriteField("expiry_days", strconv.Itoa(expiryDays)); err != nil {
			return fmt.Errorf("failed to build multipart body: %w", err)
		}
	}
	if err := mw.Close(); err != nil {
		return fmt.Errorf("failed to finalize multipart body: %w", err)
	}

	resp, err := c.do(ctx, http.MethodPost, "/api/documents", mw.FormDataContentType(), &buf)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return fmt.Errorf("%w: upload requires re-login", ErrAuthExpired)
	case resp.StatusCode != http.StatusOK:
		return fmt.Errorf("%w: upload returned status %d", ErrServerRejected, resp.StatusCode)
	}
	return nil
}

// SubmitApplication is the direct online path for a form submission.
func (c *Client) SubmitApplication(ctx context.Context, company, country string, fields map[string]string) error {
	body, _ := json.Marshal(map[string]any{
		"company":   company,
		"country":   country,
		"form_data": fields,
	})

	resp, err := c.do(ctx, http.MethodPost, "/api/applications", "application/json", bytes.NewReader(body))
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return fmt.Errorf("%w: submission requires re-login", ErrAuthExpired)
	case resp.StatusCode != http.StatusOK:
		return fmt.Errorf("%w: submission returned status %d", ErrServerRejected, resp.StatusCode)
	}
	return nil
}

// RegulatoryBody describes one registration authority.
type RegulatoryBody struct {
	Code    string `json:"code"`
	Country string `json:"country"`
	Name    string `json:"name"`
}

// RegulatoryBodies fetches the registry of registration authorities.
func (c *Client) RegulatoryBodies(ctx context.Context) ([]RegulatoryBody, error) {
	resp, err := c.do(ctx, http.MethodGet, "/api/regulatory-bodies", "", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: regulatory bodies returned status %d", ErrServerRejected, resp.StatusCode)
	}

	var out struct {
		RegulatoryBodies []RegulatoryBody `json:"regulatory_bodies"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("%w: malformed registry response: %v", ErrServerRejected, err)
	}
	return out.RegulatoryBodies, nil
}

// Health probes the server's liveness endpoint. It returns true when the
// server answered 200 within the probe deadline; any other outcome means
// "likely offline". This is the connectivity signal the sync trigger uses.
func (c *Client) Health(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	resp, err := c.do(ctx, http.MethodGet, "/api/health", "", nil)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	return resp.StatusCode == http.StatusOK
}

// do executes one HTTP request against the server, attaching the bearer
// token when present. Transport-level failures come back as
// ErrNetworkFailure.
func (c *Client) do(ctx context.Context, method, path, contentType string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNetworkFailure, err)
	}
	return resp, nil
}
