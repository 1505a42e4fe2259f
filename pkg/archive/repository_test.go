package archive

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/limoledger/reconcile/pkg/db"
	"github.com/limoledger/reconcile/pkg/ledger"
	"github.com/limoledger/reconcile/pkg/pathutil"
)

func strp(s string) *string { return &s }

func TestAppendAndLoadRun(t *testing.T) {
	repo := NewFileSystemRepository(pathutil.New(pathutil.Config{Root: t.TempDir()}))
	started := time.Date(2024, 3, 1, 2, 0, 0, 0, time.UTC)

	runA := ledger.Run{ID: "run-a", StartedAt: started, AccountID: "0228362", Operation: "sweep"}
	runB := ledger.Run{ID: "run-b", StartedAt: started.Add(time.Hour), AccountID: "0228362", Operation: "recompute"}

	rowsA := []db.BackupRow{
		{Table: db.TableEntries, Key: "1", Payload: map[string]*string{"id": strp("1"), "status": strp("ACTIVE"), "external_ref": nil}, TakenAt: started},
		{Table: db.TableLinks, Key: "l1", Payload: map[string]*string{"id": strp("l1"), "retired": strp("0")}, TakenAt: started},
	}
	path, err := repo.AppendSnapshot(runA, rowsA)
	require.NoError(t, err)
	_, err = os.Stat(path)
	require.NoError(t, err)

	_, err = repo.AppendSnapshot(runB, []db.BackupRow{{Table: db.TableEntries, Key: "2", Payload: map[string]*string{"id": strp("2")}, TakenAt: started}})
	require.NoError(t, err)

	loaded, err := repo.LoadRun(runA)
	require.NoError(t, err)
	require.Len(t, loaded, 2)
	assert.Equal(t, "ACTIVE", *loaded[0].Payload["status"])
	assert.Nil(t, loaded[0].Payload["external_ref"])
	assert.Equal(t, db.TableLinks, loaded[1].Table)

	records, err := repo.ReadMonth("2024-03")
	require.NoError(t, err)
	assert.Len(t, records, 3)

	months, err := repo.GetMonthFilesInYear("2024")
	require.NoError(t, err)
	assert.Equal(t, []string{"2024-03"}, months)
}

func TestReadMissingMonth(t *testing.T) {
	repo := NewFileSystemRepository(pathutil.New(pathutil.Config{Root: t.TempDir()}))

	records, err := repo.ReadMonth("2012-01")
	require.NoError(t, err)
	assert.Empty(t, records)

	months, err := repo.GetMonthFilesInYear("2012")
	require.NoError(t, err)
	assert.Empty(t, months)
}
