// Copyright 2025 IntentGate
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package gateway

import (
	"database/sql"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq" // PostgreSQL driver for the durable audit sink
)

// AuditAction is the kind of operation an audit record describes.
type AuditAction string

const (
	AuditActionRead    AuditAction = "read"
	AuditActionCreate  AuditAction = "create"
	AuditActionUpdate  AuditAction = "update"
	AuditActionDelete  AuditAction = "delete"
	AuditActionModify  AuditAction = "modify"
	AuditActionAccess  AuditAction = "access"
	AuditActionExecute AuditAction = "execute"
)

// AuditRecord is one append-only entry in the gateway's audit trail.
// ID and Timestamp are assigned by the sink when empty.
type AuditRecord struct {
	ID           string                 `json:"id"`
	UserID       string                 `json:"user_id"`
	Action       AuditAction            `json:"action"`
	Resource     string                 `json:"resource"`
	Method       string                 `json:"method"`
	StatusCode   int                    `json:"status_code"`
	Success      bool                   `json:"success"`
	ErrorMessage string                 `json:"error_message,omitempty"`
	Timestamp    time.Time              `json:"timestamp"`
	IPAddress    string                 `json:"ip_address,omitempty"`
	Context      map[string]interface{} `json:"context,omitempty"`
}

// AuditSink receives audit records and answers history queries.
// Implementations must be safe for concurrent use.
type AuditSink interface {
	Record(record AuditRecord)
	ByUser(userID string, limit int) []AuditRecord
	ByResource(resource string, limit int) []AuditRecord
}

// normalizeRecord fills in the sink-assigned fields.
func normalizeRecord(record *AuditRecord) {
	if record.ID == "" {
		record.ID = "audit_" + uuid.NewString()
	}
	if record.Timestamp.IsZero() {
		record.Timestamp = time.Now().UTC()
	}
	// A 2xx response is a success; >=400 is a failure with message.
	if record.StatusCode >= 200 && record.StatusCode < 300 {
		record.Success = true
	} else if record.StatusCode >= 400 {
		record.Success = false
	}
}

// MemoryAuditSink is the default in-process audit trail. Records live
// for the process lifetime only.
type MemoryAuditSink struct {
	mu      sync.RWMutex
	records []AuditRecord
}

// NewMemoryAuditSink creates an empty in-memory sink.
func NewMemoryAuditSink() *MemoryAuditSink {
	return &MemoryAuditSink{records: make([]AuditRecord, 0, 128)}
}

// Record appends one entry.
func (s *MemoryAuditSink) Record(record AuditRecord) {
	normalizeRecord(&record)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, record)
}

// ByUser returns the most recent records for a user, newest first.
func (s *MemoryAuditSink) ByUser(userID string, limit int) []AuditRecord {
	return s.query(func(r *AuditRecord) bool { return r.UserID == userID }, limit)
}

// ByResource returns the most recent records for a resource, newest first.
func (s *MemoryAuditSink) ByResource(resource string, limit int) []AuditRecord {
	return s.query(func(r *AuditRecord) bool { return r.Resource == resource }, limit)
}

// Len reports the number of stored records.
func (s *MemoryAuditSink) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

func (s *MemoryAuditSink) query(match func(*AuditRecord) bool, limit int) []AuditRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]AuditRecord, 0, limit)
	for i := len(s.records) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		if match(&s.records[i]) {
			out = append(out, s.records[i])
		}
	}
	return out
}

// PostgresAuditSink persists audit records through a queue and batch
// writer. Queries go straight to the database. Write failures are
// logged and dropped. When the queue is full, Record writes the entry
// to the database directly in the caller's goroutine.
type PostgresAuditSink struct {
	db           *sql.DB
	queue        chan AuditRecord
	wg           sync.WaitGroup
	shutdownChan chan struct{}
	batchSize    int
}

// NewPostgresAuditSink opens the database, bootstraps the audit table,
// and starts the batch writer.
func NewPostgresAuditSink(databaseURL string) (*PostgresAuditSink, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, err
	}
	if err := createAuditTable(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &PostgresAuditSink{
		db:           db,
		queue:        make(chan AuditRecord, 10000),
		shutdownChan: make(chan struct{}),
		batchSize:    100,
	}
	s.wg.Add(1)
	go s.processQueue()
	return s, nil
}

// Record enqueues one entry. A full queue writes through directly.
func (s *PostgresAuditSink) Record(record AuditRecord) {
	normalizeRecord(&record)

	select {
	case s.queue <- record:
	default:
		log.Printf("[Audit] queue full, writing directly")
		s.writeBatch([]AuditRecord{record})
	}
}

// ByUser returns the most recent records for a user, newest first.
func (s *PostgresAuditSink) ByUser(userID string, limit int) []AuditRecord {
	return s.queryRecords(`SELECT id, user_id, action, resource, method, status_code, success,
		error_message, timestamp, ip_address, context
		FROM audit_records WHERE user_id = $1 ORDER BY timestamp DESC LIMIT $2`, userID, limit)
}

// ByResource returns the most recent records for a resource, newest first.
func (s *PostgresAuditSink) ByResource(resource string, limit int) []AuditRecord {
	return s.queryRecords(`SELECT id, user_id, action, resource, method, status_code, success,
		error_message, timestamp, ip_address, context
		FROM audit_records WHERE resource = $1 ORDER BY timestamp DESC LIMIT $2`, resource, limit)
}

// Close flushes pending records and closes the database.
func (s *PostgresAuditSink) Close() error {
	close(s.shutdownChan)
	s.wg.Wait()
	return s.db.Close()
}

func (s *PostgresAuditSink) processQueue() {
	defer s.wg.Done()

	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	batch := make([]AuditRecord, 0, s.batchSize)
	flush := func() {
		if len(batch) > 0 {
			s.writeBatch(batch)
			batch = batch[:0]
		}
	}

	for {
		select {
		case record := <-s.queue:
			batch = append(batch, record)
			if len(batch) >= s.batchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-s.shutdownChan:
			// Drain whatever is still queued before stopping.
			for {
				select {
				case record := <-s.queue:
					batch = append(batch, record)
				default:
					flush()
					return
				}
			}
		}
	}
}

func (s *PostgresAuditSink) writeBatch(records []AuditRecord) {
	tx, err := s.db.Begin()
	if err != nil {
		log.Printf("[Audit] failed to begin batch: %v", err)
		return
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.Prepare(`INSERT INTO audit_records (
		id, user_id, action, resource, method, status_code, success,
		error_message, timestamp, ip_address, context
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`)
	if err != nil {
		log.Printf("[Audit] failed to prepare batch: %v", err)
		return
	}
	defer func() { _ = stmt.Close() }()

	for _, record := range records {
		contextJSON, _ := json.Marshal(record.Context)
		if _, err := stmt.Exec(
			record.ID,
			record.UserID,
			string(record.Action),
			record.Resource,
			record.Method,
			record.StatusCode,
			record.Success,
			record.ErrorMessage,
			record.Timestamp,
			record.IPAddress,
			contextJSON,
		); err != nil {
			log.Printf("[Audit] failed to insert record %s: %v", record.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		log.Printf("[Audit] failed to commit batch: %v", err)
	}
}

func (s *PostgresAuditSink) queryRecords(query string, arg interface{}, limit int) []AuditRecord {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(query, arg, limit)
	if err != nil {
		log.Printf("[Audit] query failed: %v", err)
		return nil
	}
	defer func() { _ = rows.Close() }()

	var records []AuditRecord
	for rows.Next() {
		var record AuditRecord
		var action string
		var errorMessage, ipAddress sql.NullString
		var contextJSON []byte
		if err := rows.Scan(
			&record.ID,
			&record.UserID,
			&action,
			&record.Resource,
			&record.Method,
			&record.StatusCode,
			&record.Success,
			&errorMessage,
			&record.Timestamp,
			&ipAddress,
			&contextJSON,
		); err != nil {
			log.Printf("[Audit] scan failed: %v", err)
			continue
		}
		record.Action = AuditAction(action)
		record.ErrorMessage = errorMessage.String
		record.IPAddress = ipAddress.String
		if len(contextJSON) > 0 {
			_ = json.Unmarshal(contextJSON, &record.Context)
		}
		records = append(records, record)
	}
	return records
}

// createAuditTable bootstraps the audit table and its indexes.
func createAuditTable(db *sql.DB) error {
	_, err := db.Exec(`
	CREATE TABLE IF NOT EXISTS audit_records (
		id VARCHAR(255) PRIMARY KEY,
		user_id VARCHAR(255) NOT NULL,
		action VARCHAR(32) NOT NULL,
		resource VARCHAR(255) NOT NULL,
		method VARCHAR(16),
		status_code INTEGER,
		success BOOLEAN NOT NULL,
		error_message TEXT,
		timestamp TIMESTAMP NOT NULL,
		ip_address VARCHAR(64),
		context JSONB
	);
	CREATE INDEX IF NOT EXISTS idx_audit_records_user_id ON audit_records(user_id);
	CREATE INDEX IF NOT EXISTS idx_audit_records_resource ON audit_records(resource);
	CREATE INDEX IF NOT EXISTS idx_audit_records_timestamp ON audit_records(timestamp);
	`)
	return err
}
