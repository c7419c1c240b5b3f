package session

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestFilePersistence(t *testing.T) {
	tempDir := t.TempDir()

	persistence, err := NewFilePersistence(tempDir)
	if err != nil {
		t.Fatalf("Failed to create file persistence: %v", err)
	}

	record := &Record{
		SessionID:  "session_1700000000000_ab12cd34",
		ManagerPID: 4242,
		UpdatedAt:  time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC),
		Workers: []WorkerRecord{
			{Port: 8931, PID: 5001, StartedAt: time.Date(2024, 1, 1, 11, 0, 0, 0, time.UTC)},
		},
	}

	t.Run("Save and Load Record", func(t *testing.T) {
		if err := persistence.Save(record); err != nil {
			t.Fatalf("Failed to save record: %v", err)
		}

		if !persistence.Exists(record.SessionID) {
			t.Error("Record file should exist after save")
		}

		loaded, err := persistence.Load(record.SessionID)
		if err != nil {
			t.Fatalf("Failed to load record: %v", err)
		}

		if loaded.ManagerPID != 4242 {
			t.Errorf("Expected manager pid 4242, got %d", loaded.ManagerPID)
		}
		if len(loaded.Workers) != 1 || loaded.Workers[0].Port != 8931 || loaded.Workers[0].PID != 5001 {
			t.Errorf("Unexpected workers: %+v", loaded.Workers)
		}
		if !loaded.UpdatedAt.Equal(record.UpdatedAt) {
			t.Errorf("Expected updated_at %v, got %v", record.UpdatedAt, loaded.UpdatedAt)
		}
	})

	t.Run("No Temp Files Left Behind", func(t *testing.T) {
		matches, _ := filepath.Glob(filepath.Join(tempDir, "*.tmp"))
		if len(matches) != 0 {
			t.Errorf("Unexpected temp files: %v", matches)
		}
	})

	t.Run("List All Records", func(t *testing.T) {
		if err := persistence.Save(&Record{SessionID: "other"}); err != nil {
			t.Fatalf("Failed to save record: %v", err)
		}
		if err := os.WriteFile(filepath.Join(tempDir, "notes.txt"), []byte("x"), 0644); err != nil {
			t.Fatalf("Failed to write stray file: %v", err)
		}

		ids, err := persistence.ListAll()
		if err != nil {
			t.Fatalf("Failed to list records: %v", err)
		}
		if len(ids) != 2 {
			t.Errorf("Expected 2 records, got %v", ids)
		}
	})

	t.Run("Delete Record", func(t *testing.T) {
		if err := persistence.Delete(record.SessionID); err != nil {
			t.Fatalf("Failed to delete record: %v", err)
		}
		if persistence.Exists(record.SessionID) {
			t.Error("Record file should not exist after delete")
		}
		if err := persistence.Delete(record.SessionID); !errors.Is(err, ErrRecordNotFound) {
			t.Errorf("Expected ErrRecordNotFound, got %v", err)
		}
	})

	t.Run("Load Non-existent Record", func(t *testing.T) {
		if _, err := persistence.Load("missing"); !errors.Is(err, ErrRecordNotFound) {
			t.Errorf("Expected ErrRecordNotFound, got %v", err)
		}
	})

	t.Run("Reject Invalid Records", func(t *testing.T) {
		if err := persistence.Save(nil); err == nil {
			t.Error("Expected error for nil record")
		}
		if err := persistence.Save(&Record{}); !errors.Is(err, ErrInvalidSession) {
			t.Errorf("Expected ErrInvalidSession, got %v", err)
		}
	})

	t.Run("Path Traversal Stays In Directory", func(t *testing.T) {
		if err := persistence.Save(&Record{SessionID: "../escape"}); err != nil {
			t.Fatalf("Failed to save record: %v", err)
		}
		if _, err := os.Stat(filepath.Join(tempDir, "escape.json")); err != nil {
			t.Errorf("Expected record inside state dir: %v", err)
		}
	})
}
