package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	for _, key := range []string{"RECON_EPSILON", "RECON_WINDOW_DAYS", "RECON_FUZZY_THRESHOLD", "RECON_TOLERANCES_FILE", "RECON_DB_DRIVER"} {
		t.Setenv(key, "")
	}
	chdir(t, t.TempDir())

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Matching.Epsilon.String() != "0.01" {
		t.Errorf("Epsilon = %s, expected 0.01", cfg.Matching.Epsilon)
	}
	if cfg.Matching.WindowDays != 7 || cfg.Matching.ClearingWindowDays != 2 {
		t.Errorf("windows = %d/%d, expected 7/2", cfg.Matching.WindowDays, cfg.Matching.ClearingWindowDays)
	}
	if cfg.Matching.FuzzyThreshold != 0.80 {
		t.Errorf("FuzzyThreshold = %v, expected 0.80", cfg.Matching.FuzzyThreshold)
	}
	if cfg.Database.Driver != "sqlite3" {
		t.Errorf("Driver = %q, expected sqlite3", cfg.Database.Driver)
	}
}

func TestLoadToleranceFileAndEnvOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tolerances.yaml")
	content := `
matching:
  epsilon: "0.05"
  window_days: 5
  fuzzy_threshold: 0.9
profiles:
  legacy-system:
    date: "Pickup Date"
    amount: "Total"
    date_layouts: ["01/02/2006"]
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	chdir(t, dir)
	t.Setenv("RECON_TOLERANCES_FILE", path)
	t.Setenv("RECON_WINDOW_DAYS", "3")
	t.Setenv("RECON_EPSILON", "")
	t.Setenv("RECON_FUZZY_THRESHOLD", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Matching.Epsilon.String() != "0.05" {
		t.Errorf("Epsilon = %s, expected 0.05", cfg.Matching.Epsilon)
	}
	if cfg.Matching.WindowDays != 3 {
		t.Errorf("WindowDays = %d, expected env override 3", cfg.Matching.WindowDays)
	}
	if cfg.Matching.FuzzyThreshold != 0.9 {
		t.Errorf("FuzzyThreshold = %v, expected 0.9", cfg.Matching.FuzzyThreshold)
	}
	p, ok := cfg.Profiles["legacy-system"]
	if !ok || p.Date != "Pickup Date" || len(p.DateLayouts) != 1 {
		t.Errorf("legacy-system profile = %+v", p)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		paths   [][]string
		wantErr bool
	}{
		{"sqlite needs no dsn", Config{Database: DatabaseConfig{Driver: "sqlite3"}}, [][]string{{"database", "dsn"}}, false},
		{"postgres needs dsn", Config{Database: DatabaseConfig{Driver: "postgres"}}, [][]string{{"database", "dsn"}}, true},
		{"unknown driver", Config{Database: DatabaseConfig{Driver: "mysql"}}, nil, true},
		{"schedule accounts missing", Config{Database: DatabaseConfig{Driver: "sqlite3"}}, [][]string{{"schedule", "accounts"}}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate(tt.paths...)
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

// chdir changes the working directory for the duration of the test and
// restores it on cleanup (equivalent of testing.T.Chdir, added in Go 1.24).
func chdir(t *testing.T, dir string) {
	t.Helper()
	old, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		if err := os.Chdir(old); err != nil {
			t.Fatal(err)
		}
	})
}
