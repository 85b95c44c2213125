// Package server implements the registration backend the sync engine
// talks to.
//
// The backend owns authoritative user, document, and application state in
// an embedded SQLite database. Batch submissions are applied in a single
// transaction with per-record deduplication, which is what makes the
// client's at-least-once redelivery safe.
package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/regdesk/regsync/internal/record"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// ErrInvalidCredentials is returned when phone or PIN do not match.
var ErrInvalidCredentials = errors.New("invalid credentials")

// ErrDocumentNotFound is returned when a document id does not exist for
// the requesting user.
var ErrDocumentNotFound = errors.New("document not found")

// Store wraps the backend SQLite database.
type Store struct {
	conn *sql.DB
	path string
}

// OpenStore creates or opens the backend database at the specified path.
// The caller MUST call Close() when done.
func OpenStore(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	conn, err := sql.Open("sqlite3", "file:"+path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	conn.SetMaxOpenConns(10)
	conn.SetMaxIdleConns(2)
	conn.SetConnMaxLifetime(5 * time.Minute)

	s := &Store{conn: conn, path: path}

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := s.conn.Exec(pragma); err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	if err := s.initSchema(); err != nil {
		_ = s.Close()
		return nil, err
	}

	return s, nil
}

// Close closes the database connection after a WAL checkpoint.
func (s *Store) Close() error {
	if s.conn == nil {
		return nil
	}
	if _, err := s.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
	}
	if err := s.conn.Close(); err != nil {
		return fmt.Errorf("failed to close backend store: %w", err)
	}
	s.conn = nil
	return nil
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS users (
		id       INTEGER PRIMARY KEY AUTOINCREMENT,
		phone    TEXT NOT NULL UNIQUE,
		pin_hash TEXT NOT NULL,
		name     TEXT NOT NULL DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS documents (
		id            INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id       INTEGER NOT NULL,
		document_type TEXT NOT NULL,
		filename      TEXT NOT NULL,
		mime_type     TEXT NOT NULL DEFAULT 'application/octet-stream',
		content       BLOB NOT NULL,
		status        TEXT NOT NULL DEFAULT 'active',  -- active, replaced
		upload_date   TEXT NOT NULL,
		expiry_date   TEXT,
		FOREIGN KEY (user_id) REFERENCES users(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS applications (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id    INTEGER NOT NULL,
		company    TEXT NOT NULL,
		country    TEXT NOT NULL,
		form_data  TEXT NOT NULL,  -- JSON object
		status     TEXT NOT NULL DEFAULT 'submitted',
		created_at TEXT NOT NULL,
		FOREIGN KEY (user_id) REFERENCES users(id) ON DELETE CASCADE
	);

	-- Idempotency ledger for redelivered batches.
	CREATE TABLE IF NOT EXISTS applied_mutations (
		id         TEXT PRIMARY KEY,
		user_id    INTEGER NOT NULL,
		applied_at TEXT NOT NULL
	);

	-- Sessions invalidated by logout.
	CREATE TABLE IF NOT EXISTS revoked_tokens (
		jti        TEXT PRIMARY KEY,
		revoked_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_documents_active
	    ON documents(user_id, document_type, status);
	CREATE INDEX IF NOT EXISTS idx_applications_user ON applications(user_id);
	`

	if _, err := s.conn.Exec(schema); err != nil {
		return fmt.Errorf("failed to initialize backend schema: %w", err)
	}
	return nil
}

// User is one registered account.
type User struct {
	ID    int64
	Phone string
	Name  string
}

// CreateUser registers an account. The PIN is stored hashed.
func (s *Store) CreateUser(ctx context.Context, phone, pin, name string) (*User, error) {
	res, err := s.conn.ExecContext(ctx,
		`INSERT INTO users (phone, pin_hash, name) VALUES (?, ?, ?)`,
		phone, hashPIN(pin), name)
	if err != nil {
		return nil, fmt.Errorf("failed to create user %s: %w", phone, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("failed to read user id: %w", err)
	}
	return &User{ID: id, Phone: phone, Name: name}, nil
}

// Authenticate verifies phone and PIN and returns the account.
// A wrong phone and a wrong PIN are indistinguishable to the caller.
func (s *Store) Authenticate(ctx context.Context, phone, pin string) (*User, error) {
	var u User
	var pinHash string
	err := s.conn.QueryRowContext(ctx,
		`SELECT id, phone, name, pin_hash FROM users WHERE phone = ?`, phone).
		Scan(&u.ID, &u.Phone, &u.Name, &pinHash)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up user: %w", err)
	}

	if pinHash != hashPIN(pin) {
		return nil, ErrInvalidCredentials
	}
	return &u, nil
}

// RevokeToken records a logged-out session ID.
func (s *Store) RevokeToken(ctx context.Context, jti string) error {
	_, err := s.conn.ExecContext(ctx,
		`INSERT OR IGNORE INTO revoked_tokens (jti, revoked_at) VALUES (?, ?)`,
		jti, time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("failed to revoke token: %w", err)
	}
	return nil
}

// TokenRevoked reports whether a session ID has been logged out.
func (s *Store) TokenRevoked(ctx context.Context, jti string) (bool, error) {
	var n int
	err := s.conn.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM revoked_tokens WHERE jti = ?`, jti).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to check token revocation: %w", err)
	}
	return n > 0, nil
}

// StoredDocument is one document row.
type StoredDocument struct {
	ID           int64
	DocumentType string
	Filename     string
	UploadDate   time.Time
	ExpiryDate   *time.Time
}

// InsertDocument stores a new document, marking any previous active
// document of the same type as replaced. A nil expiry means the document
// never expires.
func (s *Store) InsertDocument(ctx context.Context, userID int64, documentType, filename, mimeType string, content []byte, expiry *time.Time) (int64, error) {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	id, err := insertDocumentTx(ctx, tx, userID, documentType, filename, mimeType, content, expiry)
	if err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit document: %w", err)
	}
	return id, nil
}

func insertDocumentTx(ctx context.Context, tx *sql.Tx, userID int64, documentType, filename, mimeType string, content []byte, expiry *time.Time) (int64, error) {
	// A re-upload supersedes the previous active document of the same type.
	_, err := tx.ExecContext(ctx,
		`UPDATE documents SET status = 'replaced'
		 WHERE user_id = ? AND document_type = ? AND status = 'active'`,
		userID, documentType)
	if err != nil {
		return 0, fmt.Errorf("failed to supersede previous document: %w", err)
	}

	var expiryStr any
	if expiry != nil {
		expiryStr = expiry.UTC().Format(time.RFC3339)
	}

	res, err := tx.ExecContext(ctx,
		`INSERT INTO documents (user_id, document_type, filename, mime_type, content, status, upload_date, expiry_date)
		 VALUES (?, ?, ?, ?, ?, 'active', ?, ?)`,
		userID, documentType, filename, mimeType, content,
		time.Now().UTC().Format(time.RFC3339), expiryStr)
	if err != nil {
		return 0, fmt.Errorf("failed to insert document: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read document id: %w", err)
	}
	return id, nil
}

// ActiveDocuments returns the user's active documents, newest first.
func (s *Store) ActiveDocuments(ctx context.Context, userID int64) ([]StoredDocument, error) {
	rows, err := s.conn.QueryContext(ctx,
		`SELECT id, document_type, filename, upload_date, expiry_date
		 FROM documents WHERE user_id = ? AND status = 'active'
		 ORDER BY upload_date DESC, id DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list documents: %w", err)
	}
	defer rows.Close()

	var docs []StoredDocument
	for rows.Next() {
		var d StoredDocument
		var uploaded string
		var expiry sql.NullString
		if err := rows.Scan(&d.ID, &d.DocumentType, &d.Filename, &uploaded, &expiry); err != nil {
			return nil, fmt.Errorf("failed to scan document: %w", err)
		}
		if d.UploadDate, err = time.Parse(time.RFC3339, uploaded); err != nil {
			return nil, fmt.Errorf("corrupt upload date on document %d: %w", d.ID, err)
		}
		if expiry.Valid {
			t, err := time.Parse(time.RFC3339, expiry.String)
			if err != nil {
				return nil, fmt.Errorf("corrupt expiry date on document %d: %w", d.ID, err)
			}
			d.ExpiryDate = &t
		}
		docs = append(docs, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating documents: %w", err)
	}
	return docs, nil
}

// DocumentFile is a document's stored file payload.
type DocumentFile struct {
	Filename string
	MimeType string
	Content  []byte
}

// DocumentContent returns the stored bytes of one of the user's
// documents. Documents belonging to other users are indistinguishable
// from missing ones.
func (s *Store) DocumentContent(ctx context.Context, userID, docID int64) (*DocumentFile, error) {
	var f DocumentFile
	err := s.conn.QueryRowContext(ctx,
		`SELECT filename, mime_type, content FROM documents WHERE id = ? AND user_id = ?`,
		docID, userID).Scan(&f.Filename, &f.MimeType, &f.Content)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrDocumentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load document %d: %w", docID, err)
	}
	return &f, nil
}

// StoredApplication is one application row.
type StoredApplication struct {
	ID        int64
	Company   string
	Country   string
	Fields    map[string]string
	Status    string
	CreatedAt time.Time
}

// InsertApplication stores a submitted registration application.
func (s *Store) InsertApplication(ctx context.Context, userID int64, company, country string, fields map[string]string) (int64, error) {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	id, err := insertApplicationTx(ctx, tx, userID, company, country, fields)
	if err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit application: %w", err)
	}
	return id, nil
}

func insertApplicationTx(ctx context.Context, tx *sql.Tx, userID int64, company, country string, fields map[string]string) (int64, error) {
	if fields == nil {
		fields = map[string]string{}
	}
	formData, err := json.Marshal(fields)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal form data: %w", err)
	}

	res, err := tx.ExecContext(ctx,
		`INSERT INTO applications (user_id, company, country, form_data, status, created_at)
		 VALUES (?, ?, ?, ?, 'submitted', ?)`,
		userID, company, country, string(formData),
		time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return 0, fmt.Errorf("failed to insert application: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read application id: %w", err)
	}
	return id, nil
}

// Applications returns the user's applications, newest first.
func (s *Store) Applications(ctx context.Context, userID int64) ([]StoredApplication, error) {
	rows, err := s.conn.QueryContext(ctx,
		`SELECT id, company, country, form_data, status, created_at
		 FROM applications WHERE user_id = ? ORDER BY created_at DESC, id DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list applications: %w", err)
	}
	defer rows.Close()

	var apps []StoredApplication
	for rows.Next() {
		var a StoredApplication
		var formData, created string
		if err := rows.Scan(&a.ID, &a.Company, &a.Country, &formData, &a.Status, &created); err != nil {
			return nil, fmt.Errorf("failed to scan application: %w", err)
		}
		if err := json.Unmarshal([]byte(formData), &a.Fields); err != nil {
			return nil, fmt.Errorf("corrupt form data on application %d: %w", a.ID, err)
		}
		if a.CreatedAt, err = time.Parse(time.RFC3339, created); err != nil {
			return nil, fmt.Errorf("corrupt created date on application %d: %w", a.ID, err)
		}
		apps = append(apps, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating applications: %w", err)
	}
	return apps, nil
}

// BatchItem reports the outcome of one record within an applied batch.
type BatchItem struct {
	ID     string `json:"id"`
	Status string `json:"status"` // applied, duplicate
}

// ApplyBatch applies an ordered batch of mutation records in a single
// transaction. Every record must carry the authenticated user's phone as
// its owner; a mismatch fails the whole batch.
//
// Each record ID is claimed in the applied_mutations ledger with INSERT
// OR IGNORE; a record whose ID is already present is reported as a
// duplicate and skipped, which is what absorbs redelivered batches. Any
// failure rolls the whole batch back so a retried delivery starts from
// a clean slate.
func (s *Store) ApplyBatch(ctx context.Context, userID int64, ownerPhone string, records []*record.Record) ([]BatchItem, error) {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin batch transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC().Format(time.RFC3339)
	items := make([]BatchItem, 0, len(records))

	for _, rec := range records {
		if err := rec.Validate(); err != nil {
			return nil, fmt.Errorf("invalid record %s in batch: %w", rec.ID, err)
		}
		if rec.OwnerID != ownerPhone {
			return nil, fmt.Errorf("record %s owner does not match the authenticated user", rec.ID)
		}

		res, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO applied_mutations (id, user_id, applied_at) VALUES (?, ?, ?)`,
			rec.ID, userID, now)
		if err != nil {
			return nil, fmt.Errorf("failed to claim record %s: %w", rec.ID, err)
		}
		claimed, err := res.RowsAffected()
		if err != nil {
			return nil, fmt.Errorf("failed to check record claim: %w", err)
		}
		if claimed == 0 {
			items = append(items, BatchItem{ID: rec.ID, Status: "duplicate"})
			continue
		}

		switch rec.Kind {
		case record.KindDocumentUpload:
			mimeType, content, err := record.DecodeDataURL(rec.Document.Data)
			if err != nil {
				return nil, fmt.Errorf("record %s has undecodable content: %w", rec.ID, err)
			}
			var expiry *time.Time
			if rec.Document.ExpiryDays > 0 {
				t := time.Now().UTC().AddDate(0, 0, rec.Document.ExpiryDays)
				expiry = &t
			}
			if _, err := insertDocumentTx(ctx, tx, userID, rec.Document.DocumentType,
				rec.Document.Filename, mimeType, content, expiry); err != nil {
				return nil, fmt.Errorf("failed to apply record %s: %w", rec.ID, err)
			}

		case record.KindApplicationSubmission:
			if _, err := insertApplicationTx(ctx, tx, userID, rec.Application.Company,
				rec.Application.Country, rec.Application.Fields); err != nil {
				return nil, fmt.Errorf("failed to apply record %s: %w", rec.ID, err)
			}
		}

		items = append(items, BatchItem{ID: rec.ID, Status: "applied"})
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit batch: %w", err)
	}
	return items, nil
}
