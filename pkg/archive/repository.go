// Package archive mirrors pre-write backup snapshots to monthly JSON Lines
// files, so a run can be restored even when the database copy is lost.
package archive

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/limoledger/reconcile/pkg/db"
	"github.com/limoledger/reconcile/pkg/ledger"
	"github.com/limoledger/reconcile/pkg/pathutil"
)

// Record is one archived row image.
type Record struct {
	RunID     string             `json:"run_id"`
	AccountID string             `json:"account_id"`
	Operation string             `json:"operation"`
	Table     string             `json:"table"`
	Key       string             `json:"key"`
	Payload   map[string]*string `json:"payload"`
	TakenAt   string             `json:"taken_at"`
}

// Repository defines the interface for archive file operations.
type Repository interface {
	// AppendSnapshot appends the snapshot of a run to its monthly file
	AppendSnapshot(run ledger.Run, rows []db.BackupRow) (string, error)

	// ReadMonth reads the records of a monthly file
	ReadMonth(yearMonth string) ([]Record, error)

	// LoadRun finds the snapshot of a run in the monthly file it was written to
	LoadRun(run ledger.Run) ([]db.BackupRow, error)

	// GetMonthFilesInYear gets all monthly files in a year
	GetMonthFilesInYear(year string) ([]string, error)
}

// FileSystemRepository is a file system implementation of Repository.
type FileSystemRepository struct {
	pathResolver *pathutil.PathResolver
}

var _ Repository = (*FileSystemRepository)(nil)

// NewFileSystemRepository creates a new FileSystemRepository.
func NewFileSystemRepository(pathResolver *pathutil.PathResolver) *FileSystemRepository {
	return &FileSystemRepository{
		pathResolver: pathResolver,
	}
}

func yearMonth(run ledger.Run) string {
	return run.StartedAt.UTC().Format("2006-01")
}

// AppendSnapshot appends a run's snapshot to the file of the month the run
// started in and returns the file path.
func (r *FileSystemRepository) AppendSnapshot(run ledger.Run, rows []db.BackupRow) (string, error) {
	filePath, err := r.pathResolver.GetMonthFilePath(yearMonth(run))
	if err != nil {
		return "", fmt.Errorf("failed to get month file path: %w", err)
	}

	// Ensure parent directory exists
	if err := r.pathResolver.EnsureParentDir(filePath); err != nil {
		return "", fmt.Errorf("failed to ensure parent directory: %w", err)
	}

	f, err := os.OpenFile(filePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return "", fmt.Errorf("failed to open file for appending: %w", err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	enc := json.NewEncoder(w)
	for _, row := range rows {
		rec := Record{
			RunID:     run.ID,
			AccountID: run.AccountID,
			Operation: run.Operation,
			Table:     row.Table,
			Key:       row.Key,
			Payload:   row.Payload,
			TakenAt:   row.TakenAt.UTC().Format(time.RFC3339Nano),
		}
		if err := enc.Encode(rec); err != nil {
			return "", fmt.Errorf("failed to write record: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		return "", fmt.Errorf("failed to write to file: %w", err)
	}
	if err := f.Sync(); err != nil {
		return "", fmt.Errorf("failed to sync file: %w", err)
	}

	return filePath, nil
}

// ReadMonth reads the records of a monthly file.
// Returns no records if the file doesn't exist.
func (r *FileSystemRepository) ReadMonth(yearMonth string) ([]Record, error) {
	filePath, err := r.pathResolver.GetMonthFilePath(yearMonth)
	if err != nil {
		return nil, fmt.Errorf("failed to get month file path: %w", err)
	}

	if !r.pathResolver.FileExists(filePath) {
		return nil, nil
	}

	f, err := os.Open(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}
	defer f.Close()

	var records []Record
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		if len(strings.TrimSpace(scanner.Text())) == 0 {
			continue
		}
		var rec Record
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			return nil, fmt.Errorf("%s:%d: %w", filePath, line, err)
		}
		records = append(records, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	return records, nil
}

// LoadRun returns the archived snapshot of a run.
func (r *FileSystemRepository) LoadRun(run ledger.Run) ([]db.BackupRow, error) {
	records, err := r.ReadMonth(yearMonth(run))
	if err != nil {
		return nil, err
	}

	var rows []db.BackupRow
	for _, rec := range records {
		if rec.RunID != run.ID {
			continue
		}
		rows = append(rows, db.BackupRow{RunID: rec.RunID, Table: rec.Table, Key: rec.Key, Payload: rec.Payload})
	}
	return rows, nil
}

// GetMonthFilesInYear gets all monthly files in a year.
// Returns a slice of year-month strings (e.g., ["2024-01", "2024-02"]).
func (r *FileSystemRepository) GetMonthFilesInYear(year string) ([]string, error) {
	yearDir := r.pathResolver.GetYearDir(year)
	if !r.pathResolver.FileExists(yearDir) {
		return []string{}, nil
	}

	entries, err := os.ReadDir(yearDir)
	if err != nil {
		return nil, fmt.Errorf("failed to read year directory: %w", err)
	}

	var monthFiles []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		name := entry.Name()
		if filepath.Ext(name) == ".jsonl" {
			monthFiles = append(monthFiles, strings.TrimSuffix(name, ".jsonl"))
		}
	}
	sort.Strings(monthFiles)

	return monthFiles, nil
}
