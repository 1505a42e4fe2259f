package pathutil

import (
	"path/filepath"
	"testing"

	"github.com/limoledger/reconcile/pkg/config"
)

func TestNewDefaults(t *testing.T) {
	p := New(Config{Root: "/srv/recon"})

	if got, want := p.GetDatabasePath(), filepath.Join("/srv/recon", ".recon", "recon.db"); got != want {
		t.Errorf("GetDatabasePath() = %s, want %s", got, want)
	}
	if got, want := p.GetArchiveDir(), filepath.Join("/srv/recon", "archive"); got != want {
		t.Errorf("GetArchiveDir() = %s, want %s", got, want)
	}
}

func TestGetMonthFilePath(t *testing.T) {
	p := New(Config{Root: "/srv/recon", ArchiveDir: "/backups"})

	tests := []struct {
		yearMonth string
		want      string
		wantErr   bool
	}{
		{"2012-01", filepath.Join("/backups", "2012", "2012-01.jsonl"), false},
		{"2012-1", "", true},
		{"201201", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.yearMonth, func(t *testing.T) {
			got, err := p.GetMonthFilePath(tt.yearMonth)
			if (err != nil) != tt.wantErr {
				t.Fatalf("GetMonthFilePath() error = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("GetMonthFilePath() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestGetReportPath(t *testing.T) {
	p := New(Config{Root: "/srv/recon"})
	got, err := p.GetReportPath("2024-03-01", "abc")
	if err != nil {
		t.Fatal(err)
	}
	if want := filepath.Join("/srv/recon", "reports", "2024", "03", "abc.md"); got != want {
		t.Errorf("GetReportPath() = %s, want %s", got, want)
	}
	if _, err := p.GetReportPath("2024", "abc"); err == nil {
		t.Error("GetReportPath() should reject a bare year")
	}
}

func TestFromConfig(t *testing.T) {
	if _, err := FromConfig(&config.Config{}); err == nil {
		t.Error("FromConfig() should require a root")
	}
	cfg := &config.Config{Paths: config.PathsConfig{Root: "/r", DBPath: "/db/x.db"}}
	p, err := FromConfig(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if p.GetDatabasePath() != "/db/x.db" {
		t.Errorf("GetDatabasePath() = %s", p.GetDatabasePath())
	}
}
