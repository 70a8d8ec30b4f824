package redispub

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/go-redis/redismock/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantgate/quantgate/internal/killswitch"
	"github.com/quantgate/quantgate/internal/persistence"
)

func TestPublishKillSwitchSetsSnapshotWithTTL(t *testing.T) {
	client, mock := redismock.NewClientMock()
	p := NewWithClient(client, 30*time.Second)

	st := killswitch.Status{State: killswitch.StateOperational, RiskHealthy: true}
	payload, err := json.Marshal(st)
	require.NoError(t, err)

	mock.ExpectSet("quantgate:killswitch", payload, 30*time.Second).SetVal("OK")
	p.PublishKillSwitch(context.Background(), st)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPublishDecisionStoresAndBroadcasts(t *testing.T) {
	client, mock := redismock.NewClientMock()
	p := NewWithClient(client, 0) // zero TTL falls back to the default

	rec := persistence.DecisionRecord{
		ID: "d1", Symbol: "EURUSD", Strategy: "momentum",
		Approved: false, ReasonCode: "quality_low",
	}
	payload, err := json.Marshal(rec)
	require.NoError(t, err)

	mock.ExpectSet("quantgate:decision:last", payload, time.Minute).SetVal("OK")
	mock.ExpectPublish("quantgate:decisions", payload).SetVal(1)
	p.PublishDecision(context.Background(), rec)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPublishFailuresAreBestEffort(t *testing.T) {
	client, mock := redismock.NewClientMock()
	p := NewWithClient(client, time.Minute)

	// No expectations set: the Set fails, and publishing must not panic or
	// surface the error to the decision path.
	p.PublishKillSwitch(context.Background(), killswitch.Status{State: killswitch.StateOperational})
	_ = mock
}
