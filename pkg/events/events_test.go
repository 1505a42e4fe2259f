package events

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/limoledger/reconcile/pkg/config"
	"github.com/limoledger/reconcile/pkg/ledger"
)

func TestNewSelectsPublisher(t *testing.T) {
	_, isNop := New(config.AuditConfig{}).(Nop)
	assert.True(t, isNop)

	p := New(config.AuditConfig{KafkaBrokers: []string{"localhost:9092"}, KafkaTopic: "reconciliation_runs"})
	k, ok := p.(*KafkaPublisher)
	require.True(t, ok)
	assert.Equal(t, "reconciliation_runs", k.writer.Topic)
}

func TestFromRun(t *testing.T) {
	started := time.Date(2024, 3, 1, 2, 0, 0, 0, time.UTC)
	r := ledger.Run{
		ID: "run-1", AccountID: "0228362", Operation: "sweep", Mode: ledger.Write,
		Status: ledger.RunCommitted, RowsAffected: 2, StartedAt: started, FinishedAt: started.Add(time.Second),
	}
	e := FromRun(r)
	assert.Equal(t, started.Add(time.Second), e.OccurredAt)
	assert.Equal(t, "COMMITTED", e.Status)

	data, err := json.Marshal(e)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "digest_before")

	m := &Memory{}
	require.NoError(t, m.Publish(context.Background(), e))
	assert.Len(t, m.Events, 1)
}
