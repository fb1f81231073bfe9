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
	"fmt"
	"sync"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
)

// TestMemorySinkRecordAssignsFields tests id and timestamp assignment
func TestMemorySinkRecordAssignsFields(t *testing.T) {
	sink := NewMemoryAuditSink()

	sink.Record(AuditRecord{
		UserID:     "u1",
		Action:     AuditActionExecute,
		Resource:   "intent",
		StatusCode: 200,
	})

	records := sink.ByUser("u1", 1)
	if len(records) != 1 {
		t.Fatalf("Expected 1 record, got %d", len(records))
	}
	record := records[0]
	if record.ID == "" {
		t.Error("Expected auto-assigned id")
	}
	if record.Timestamp.IsZero() {
		t.Error("Expected auto-assigned timestamp")
	}
	if record.Timestamp.Location() != time.UTC {
		t.Error("Expected UTC timestamp")
	}
	// 2xx implies success
	if !record.Success {
		t.Error("Expected success derived from 200 status")
	}
}

// TestMemorySinkStatusMapping tests success derivation from status codes
func TestMemorySinkStatusMapping(t *testing.T) {
	sink := NewMemoryAuditSink()

	sink.Record(AuditRecord{UserID: "u1", Resource: "r", StatusCode: 204})
	sink.Record(AuditRecord{UserID: "u1", Resource: "r", StatusCode: 404, ErrorMessage: "missing"})

	records := sink.ByUser("u1", 10)
	// Newest first
	if records[0].Success {
		t.Error("Expected 404 record unsuccessful")
	}
	if records[0].ErrorMessage != "missing" {
		t.Errorf("Expected error message kept, got %q", records[0].ErrorMessage)
	}
	if !records[1].Success {
		t.Error("Expected 204 record successful")
	}
}

// TestMemorySinkQueries tests by-user and by-resource ordering and limits
func TestMemorySinkQueries(t *testing.T) {
	sink := NewMemoryAuditSink()

	for i := 0; i < 5; i++ {
		sink.Record(AuditRecord{
			UserID:     "u1",
			Action:     AuditActionExecute,
			Resource:   fmt.Sprintf("res-%d", i%2),
			StatusCode: 200,
			Context:    map[string]interface{}{"seq": i},
		})
	}
	sink.Record(AuditRecord{UserID: "u2", Resource: "res-0", StatusCode: 200})

	byUser := sink.ByUser("u1", 3)
	if len(byUser) != 3 {
		t.Fatalf("Expected limit honored, got %d", len(byUser))
	}
	// Most recent first
	if byUser[0].Context["seq"] != 4 {
		t.Errorf("Expected newest record first, got %v", byUser[0].Context["seq"])
	}

	byResource := sink.ByResource("res-0", 10)
	for _, record := range byResource {
		if record.Resource != "res-0" {
			t.Errorf("Expected only res-0 records, got %s", record.Resource)
		}
	}
	if len(byResource) != 4 {
		t.Errorf("Expected 4 res-0 records, got %d", len(byResource))
	}
}

// TestMemorySinkConcurrentAppend tests concurrency safety
func TestMemorySinkConcurrentAppend(t *testing.T) {
	sink := NewMemoryAuditSink()

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				sink.Record(AuditRecord{
					UserID:     fmt.Sprintf("u%d", g),
					Resource:   "shared",
					StatusCode: 200,
				})
				_ = sink.ByResource("shared", 5)
			}
		}(g)
	}
	wg.Wait()

	if sink.Len() != 400 {
		t.Errorf("Expected 400 records, got %d", sink.Len())
	}
}

// TestPostgresSinkBatchWrite tests the batch insert path with sqlmock
func TestPostgresSinkBatchWrite(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("Failed to create sqlmock: %v", err)
	}

	sink := &PostgresAuditSink{
		db:           db,
		queue:        make(chan AuditRecord, 10),
		shutdownChan: make(chan struct{}),
		batchSize:    100,
	}

	mock.ExpectBegin()
	prepared := mock.ExpectPrepare("INSERT INTO audit_records")
	prepared.ExpectExec().
		WithArgs(sqlmock.AnyArg(), "u1", "execute", "intent", "EXECUTE", 200, true,
			"", sqlmock.AnyArg(), "", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	record := AuditRecord{
		UserID:     "u1",
		Action:     AuditActionExecute,
		Resource:   "intent",
		Method:     "EXECUTE",
		StatusCode: 200,
	}
	normalizeRecord(&record)
	sink.writeBatch([]AuditRecord{record})

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Unmet sqlmock expectations: %v", err)
	}
}

// TestPostgresSinkByUser tests the user query path with sqlmock
func TestPostgresSinkByUser(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("Failed to create sqlmock: %v", err)
	}

	sink := &PostgresAuditSink{
		db:           db,
		queue:        make(chan AuditRecord, 10),
		shutdownChan: make(chan struct{}),
		batchSize:    100,
	}

	now := time.Now().UTC()
	rows := sqlmock.NewRows([]string{
		"id", "user_id", "action", "resource", "method", "status_code", "success",
		"error_message", "timestamp", "ip_address", "context",
	}).AddRow("audit_1", "u1", "execute", "intent", "EXECUTE", 200, true,
		nil, now, nil, []byte(`{"plan_id":"p1"}`))

	mock.ExpectQuery("SELECT (.+) FROM audit_records WHERE user_id").
		WithArgs("u1", 10).
		WillReturnRows(rows)

	records := sink.ByUser("u1", 10)
	if len(records) != 1 {
		t.Fatalf("Expected 1 record, got %d", len(records))
	}
	if records[0].Action != AuditActionExecute {
		t.Errorf("Expected execute action, got %s", records[0].Action)
	}
	if records[0].Context["plan_id"] != "p1" {
		t.Errorf("Expected context decoded, got %v", records[0].Context)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Unmet sqlmock expectations: %v", err)
	}
}
