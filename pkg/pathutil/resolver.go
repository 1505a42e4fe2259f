// Package pathutil provides centralized path management for the ledger
// database, the backup archive and rendered reports.
package pathutil

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/limoledger/reconcile/pkg/config"
)

// PathResolver manages paths for the database, archive and reports.
type PathResolver struct {
	root         string
	databasePath string
	archiveDir   string
	reportsDir   string
}

// Config represents the configuration for PathResolver.
type Config struct {
	// Root is the working directory of the engine (e.g., ~/accounting/recon)
	Root string
	// DatabasePath is the path to the SQLite ledger database
	DatabasePath string
	// ArchiveDir is the directory holding monthly backup snapshot files
	ArchiveDir string
}

// New creates a new PathResolver with the given configuration.
// If DatabasePath is empty, it defaults to {Root}/.recon/recon.db
// If ArchiveDir is empty, it defaults to {Root}/archive
func New(cfg Config) *PathResolver {
	dbPath := cfg.DatabasePath
	if dbPath == "" {
		dbPath = filepath.Join(cfg.Root, ".recon", "recon.db")
	}

	archiveDir := cfg.ArchiveDir
	if archiveDir == "" {
		archiveDir = filepath.Join(cfg.Root, "archive")
	}

	return &PathResolver{
		root:         cfg.Root,
		databasePath: dbPath,
		archiveDir:   archiveDir,
		reportsDir:   filepath.Join(cfg.Root, "reports"),
	}
}

// FromConfig creates a PathResolver from the loaded configuration.
func FromConfig(cfg *config.Config) (*PathResolver, error) {
	if cfg.Paths.Root == "" {
		return nil, fmt.Errorf("RECON_ROOT is required")
	}
	return New(Config{
		Root:         cfg.Paths.Root,
		DatabasePath: cfg.Paths.DBPath,
		ArchiveDir:   cfg.Paths.ArchiveDir,
	}), nil
}

// GetRoot returns the root directory.
func (p *PathResolver) GetRoot() string {
	return p.root
}

// GetDatabasePath returns the database file path.
func (p *PathResolver) GetDatabasePath() string {
	return p.databasePath
}

// GetArchiveDir returns the archive directory.
func (p *PathResolver) GetArchiveDir() string {
	return p.archiveDir
}

// GetYearDir returns the archive directory for a year.
// Example: ~/accounting/recon/archive/2024
func (p *PathResolver) GetYearDir(year string) string {
	return filepath.Join(p.archiveDir, year)
}

// GetMonthFilePath returns the archive file for a month.
// yearMonth should be in YYYY-MM format.
// Example: ~/accounting/recon/archive/2024/2024-01.jsonl
func (p *PathResolver) GetMonthFilePath(yearMonth string) (string, error) {
	parts := strings.Split(yearMonth, "-")
	if len(parts) != 2 || len(parts[0]) != 4 || len(parts[1]) != 2 {
		return "", fmt.Errorf("invalid year-month format: %s. Expected YYYY-MM", yearMonth)
	}

	return filepath.Join(p.GetYearDir(parts[0]), yearMonth+".jsonl"), nil
}

// GetReportPath returns the markdown report path of a run.
// Example: ~/accounting/recon/reports/2024/01/<run>.md
func (p *PathResolver) GetReportPath(date, runID string) (string, error) {
	parts := strings.Split(date, "-")
	if len(parts) < 2 {
		return "", fmt.Errorf("invalid date format: %s. Expected YYYY-MM-DD", date)
	}

	return filepath.Join(p.reportsDir, parts[0], parts[1], runID+".md"), nil
}

// EnsureDir creates a directory if it doesn't exist.
// It creates all parent directories as needed (like mkdir -p).
func (p *PathResolver) EnsureDir(dirPath string) error {
	if err := os.MkdirAll(dirPath, 0755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dirPath, err)
	}
	return nil
}

// EnsureParentDir ensures the parent directory of a file exists.
func (p *PathResolver) EnsureParentDir(filePath string) error {
	return p.EnsureDir(filepath.Dir(filePath))
}

// FileExists checks if a file exists.
func (p *PathResolver) FileExists(filePath string) bool {
	_, err := os.Stat(filePath)
	return err == nil
}
