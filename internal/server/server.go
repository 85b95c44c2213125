package server

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/regdesk/regsync/internal/record"
	"github.com/regdesk/regsync/internal/status"
)

// sessionTTL is how long a login token stays valid.
const sessionTTL = 24 * time.Hour

// maxUploadBytes caps multipart document uploads.
const maxUploadBytes = 10 << 20

// hashPIN hashes a login PIN for storage and comparison.
func hashPIN(pin string) string {
	sum := sha256.Sum256([]byte(pin))
	return hex.EncodeToString(sum[:])
}

// RegulatoryBody is one registration authority from the registry file.
type RegulatoryBody struct {
	Code    string `yaml:"code" json:"code"`
	Country string `yaml:"country" json:"country"`
	Name    string `yaml:"name" json:"name"`
}

// LoadRegistry reads the regulatory body registry from a YAML file.
func LoadRegistry(path string) ([]RegulatoryBody, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read registry file: %w", err)
	}

	var registry struct {
		Bodies []RegulatoryBody `yaml:"regulatory_bodies"`
	}
	if err := yaml.Unmarshal(data, &registry); err != nil {
		return nil, fmt.Errorf("failed to parse registry file %s: %w", path, err)
	}
	return registry.Bodies, nil
}

// Config holds backend server configuration.
type Config struct {
	// Port to listen on. Port 0 picks a free port.
	Port int

	// JWTSecret signs session tokens. Required.
	JWTSecret []byte

	// RegistryPath is the YAML registry of regulatory bodies. Optional;
	// when empty the registry endpoint returns an empty list.
	RegistryPath string

	// Logger for request activity (default: stderr logger).
	Logger *log.Logger
}

// Server is the registration backend HTTP server.
type Server struct {
	store    *Store
	secret   []byte
	registry []RegulatoryBody
	logger   *log.Logger

	listener net.Listener
	server   *http.Server
}

// NewServer creates a backend server over the given store.
func NewServer(store *Store, config *Config) (*Server, error) {
	if config == nil || len(config.JWTSecret) == 0 {
		return nil, fmt.Errorf("jwt secret is required")
	}
	logger := config.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[server] ", log.LstdFlags)
	}

	var registry []RegulatoryBody
	if config.RegistryPath != "" {
		var err error
		registry, err = LoadRegistry(config.RegistryPath)
		if err != nil {
			return nil, err
		}
		logger.Printf("Loaded %d regulatory bodies from %s", len(registry), config.RegistryPath)
	}

	s := &Server{
		store:    store,
		secret:   config.JWTSecret,
		registry: registry,
		logger:   logger,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/login", s.handleLogin)
	mux.HandleFunc("POST /api/logout", s.auth(s.handleLogout))
	mux.HandleFunc("POST /api/process-queue", s.auth(s.handleProcessQueue))
	mux.HandleFunc("GET /api/documents", s.auth(s.handleListDocuments))
	mux.HandleFunc("GET /api/documents/{id}", s.auth(s.handleDownloadDocument))
	mux.HandleFunc("POST /api/documents", s.auth(s.handleUploadDocument))
	mux.HandleFunc("GET /api/applications", s.auth(s.handleListApplications))
	mux.HandleFunc("POST /api/applications", s.auth(s.handleSubmitApplication))
	mux.HandleFunc("GET /api/regulatory-bodies", s.handleRegulatoryBodies)
	mux.HandleFunc("GET /api/health", s.handleHealth)

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", config.Port),
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	return s, nil
}

// Handler returns the HTTP handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// Start begins listening in a background goroutine.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.server.Addr, err)
	}
	s.listener = ln

	go func() {
		s.logger.Printf("Registration server listening on %s", ln.Addr())
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Printf("Server error: %v", err)
		}
	}()
	return nil
}

// Stop gracefully shuts the server down.
func (s *Server) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown error: %w", err)
	}
	return nil
}

// Addr returns the listening address, usable after Start.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.server.Addr
}

// sessionClaims are the JWT claims carried by a login token.
type sessionClaims struct {
	Phone string `json:"phone"`
	jwt.RegisteredClaims
}

// issueToken signs a session token for the user.
func (s *Server) issueToken(u *User) (string, error) {
	claims := sessionClaims{
		Phone: u.Phone,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   strconv.FormatInt(u.ID, 10),
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(sessionTTL)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// session is the authenticated context of one request.
type session struct {
	UserID int64
	Phone  string
	JTI    string
}

// parseToken validates a bearer token and returns its session.
func (s *Server) parseToken(ctx context.Context, raw string) (*session, error) {
	token, err := jwt.ParseWithClaims(raw, &sessionClaims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("invalid token: %w", err)
	}

	claims, ok := token.Claims.(*sessionClaims)
	if !ok {
		return nil, fmt.Errorf("unexpected claims type")
	}

	revoked, err := s.store.TokenRevoked(ctx, claims.ID)
	if err != nil {
		return nil, err
	}
	if revoked {
		return nil, fmt.Errorf("token revoked")
	}

	userID, err := strconv.ParseInt(claims.Subject, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid token subject: %w", err)
	}

	return &session{UserID: userID, Phone: claims.Phone, JTI: claims.ID}, nil
}

// auth wraps a handler with bearer-token authentication.
func (s *Server) auth(next func(http.ResponseWriter, *http.Request, *session)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		raw, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || raw == "" {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}

		sess, err := s.parseToken(r.Context(), raw)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "session expired")
			return
		}
		next(w, r, sess)
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var creds struct {
		Phone string `json:"phone"`
		PIN   string `json:"pin"`
	}
	if err := json.NewDecoder(r.Body).Decode(&creds); err != nil {
		writeError(w, http.StatusBadRequest, "malformed login request")
		return
	}

	user, err := s.store.Authenticate(r.Context(), creds.Phone, creds.PIN)
	if errors.Is(err, ErrInvalidCredentials) {
		writeError(w, http.StatusUnauthorized, "invalid phone number or PIN")
		return
	}
	if err != nil {
		s.logger.Printf("Login failed for %s: %v", creds.Phone, err)
		writeError(w, http.StatusInternalServerError, "login failed")
		return
	}

	token, err := s.issueToken(user)
	if err != nil {
		s.logger.Printf("Token issue failed for %s: %v", user.Phone, err)
		writeError(w, http.StatusInternalServerError, "login failed")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"token": token,
		"name":  user.Name,
		"phone": user.Phone,
	})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request, sess *session) {
	if err := s.store.RevokeToken(r.Context(), sess.JTI); err != nil {
		s.logger.Printf("Logout failed for %s: %v", sess.Phone, err)
		writeError(w, http.StatusInternalServerError, "logout failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) handleProcessQueue(w http.ResponseWriter, r *http.Request, sess *session) {
	var batch struct {
		Records []*record.Record `json:"records"`
	}
	if err := json.NewDecoder(r.Body).Decode(&batch); err != nil {
		writeError(w, http.StatusBadRequest, "malformed batch")
		return
	}

	items, err := s.store.ApplyBatch(r.Context(), sess.UserID, sess.Phone, batch.Records)
	if err != nil {
		s.logger.Printf("Batch of %d from %s failed: %v", len(batch.Records), sess.Phone, err)
		writeJSON(w, http.StatusOK, map[string]any{"success": false})
		return
	}

	s.logger.Printf("Applied batch of %d from %s", len(items), sess.Phone)
	writeJSON(w, http.StatusOK, map[string]any{
		"success":         true,
		"processed_items": items,
	})
}

// documentResponse is one document row with server-computed expiry state.
type documentResponse struct {
	ID              int64   `json:"id"`
	DocumentType    string  `json:"document_type"`
	Filename        string  `json:"filename"`
	UploadDate      string  `json:"upload_date"`
	ExpiryDate      *string `json:"expiry_date"`
	ExpiryStatus    string  `json:"expiry_status"`
	DaysUntilExpiry *int    `json:"days_until_expiry"`
}

func (s *Server) handleListDocuments(w http.ResponseWriter, r *http.Request, sess *session) {
	docs, err := s.store.ActiveDocuments(r.Context(), sess.UserID)
	if err != nil {
		s.logger.Printf("Document list for %s failed: %v", sess.Phone, err)
		writeError(w, http.StatusInternalServerError, "failed to list documents")
		return
	}

	now := time.Now()
	out := make([]documentResponse, 0, len(docs))
	for _, d := range docs {
		resp := documentResponse{
			ID:           d.ID,
			DocumentType: d.DocumentType,
			Filename:     d.Filename,
			UploadDate:   d.UploadDate.UTC().Format(time.RFC3339),
		}

		state, days, hasDays := status.Classify(d.ExpiryDate, now)
		resp.ExpiryStatus = string(state)
		if hasDays {
			resp.DaysUntilExpiry = &days
		}
		if d.ExpiryDate != nil {
			e := d.ExpiryDate.UTC().Format(time.RFC3339)
			resp.ExpiryDate = &e
		}
		out = append(out, resp)
	}

	writeJSON(w, http.StatusOK, map[string]any{"documents": out})
}

func (s *Server) handleDownloadDocument(w http.ResponseWriter, r *http.Request, sess *session) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid document id")
		return
	}

	doc, err := s.store.DocumentContent(r.Context(), sess.UserID, id)
	if errors.Is(err, ErrDocumentNotFound) {
		writeError(w, http.StatusNotFound, "document not found")
		return
	}
	if err != nil {
		s.logger.Printf("Download of document %d for %s failed: %v", id, sess.Phone, err)
		writeError(w, http.StatusInternalServerError, "failed to load document")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"filename":  doc.Filename,
		"mime_type": doc.MimeType,
		"content":   base64.StdEncoding.EncodeToString(doc.Content),
	})
}

func (s *Server) handleUploadDocument(w http.ResponseWriter, r *http.Request, sess *session) {
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		writeError(w, http.StatusBadRequest, "malformed upload")
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "file is required")
		return
	}
	defer file.Close()

	documentType := r.FormValue("document_type")
	if documentType == "" {
		writeError(w, http.StatusBadRequest, "document_type is required")
		return
	}

	content, err := io.ReadAll(io.LimitReader(file, maxUploadBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read file")
		return
	}

	var expiry *time.Time
	if v := r.FormValue("expiry_days"); v != "" {
		days, err := strconv.Atoi(v)
		if err != nil || days < 0 {
			writeError(w, http.StatusBadRequest, "expiry_days must be a non-negative integer")
			return
		}
		if days > 0 {
			t := time.Now().UTC().AddDate(0, 0, days)
			expiry = &t
		}
	}

	mimeType := header.Header.Get("Content-Type")
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}

	id, err := s.store.InsertDocument(r.Context(), sess.UserID, documentType,
		header.Filename, mimeType, content, expiry)
	if err != nil {
		s.logger.Printf("Upload for %s failed: %v", sess.Phone, err)
		writeError(w, http.StatusInternalServerError, "failed to store document")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"success": true, "id": id})
}

func (s *Server) handleListApplications(w http.ResponseWriter, r *http.Request, sess *session) {
	apps, err := s.store.Applications(r.Context(), sess.UserID)
	if err != nil {
		s.logger.Printf("Application list for %s failed: %v", sess.Phone, err)
		writeError(w, http.StatusInternalServerError, "failed to list applications")
		return
	}

	type appResponse struct {
		ID        int64  `json:"id"`
		Company   string `json:"company"`
		Country   string `json:"country"`
		Status    string `json:"status"`
		CreatedAt string `json:"created_at"`
	}
	out := make([]appResponse, 0, len(apps))
	for _, a := range apps {
		out = append(out, appResponse{
			ID:        a.ID,
			Company:   a.Company,
			Country:   a.Country,
			Status:    a.Status,
			CreatedAt: a.CreatedAt.UTC().Format(time.RFC3339),
		})
	}

	writeJSON(w, http.StatusOK, map[string]any{"applications": out})
}

func (s *Server) handleSubmitApplication(w http.ResponseWriter, r *http.Request, sess *session) {
	var req struct {
		Company  string            `json:"company"`
		Country  string            `json:"country"`
		FormData map[string]string `json:"form_data"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed application")
		return
	}
	if req.Company == "" || req.Country == "" {
		writeError(w, http.StatusBadRequest, "company and country are required")
		return
	}

	id, err := s.store.InsertApplication(r.Context(), sess.UserID, req.Company, req.Country, req.FormData)
	if err != nil {
		s.logger.Printf("Application from %s failed: %v", sess.Phone, err)
		writeError(w, http.StatusInternalServerError, "failed to store application")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"success": true, "id": id})
}

func (s *Server) handleRegulatoryBodies(w http.ResponseWriter, r *http.Request) {
	bodies := s.registry
	if bodies == nil {
		bodies = []RegulatoryBody{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"regulatory_bodies": bodies})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}
