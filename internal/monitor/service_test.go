package monitor

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trades-automation/internal/automation"
)

var fixedNow = time.Date(2026, 2, 1, 8, 0, 0, 0, time.UTC)

func newMockService(t *testing.T) (*Service, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	svc := newService(db, nil)
	svc.now = func() time.Time { return fixedNow }
	return svc, mock
}

func TestRecordExecution(t *testing.T) {
	svc, mock := newMockService(t)

	payload := `{"execution_id":"e1","rule_id":"r1","state":"failed","attempt":2,"reason":"rejected","message":"no funds"}`
	mock.ExpectExec("INSERT INTO monitor_events").
		WithArgs("execution_transition", payload, fixedNow.Format(time.RFC3339Nano)).
		WillReturnResult(sqlmock.NewResult(1, 1))

	svc.RecordExecution(context.Background(), automation.Execution{
		ID: "e1", RuleID: "r1", State: automation.StateFailed, Attempt: 2,
		Failure: &automation.Failure{Reason: automation.ReasonRejected, Message: "no funds"},
	})
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordBreakerSwallowsWriteErrors(t *testing.T) {
	svc, mock := newMockService(t)
	mock.ExpectExec("INSERT INTO monitor_events").WillReturnError(assert.AnError)

	svc.RecordBreaker(context.Background(), "acme", "closed", "open")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListEventsByType(t *testing.T) {
	svc, mock := newMockService(t)

	mock.ExpectQuery("SELECT event_type, payload, created_at FROM monitor_events WHERE event_type = \\? ORDER BY id DESC LIMIT \\?").
		WithArgs("breaker_state", 10).
		WillReturnRows(sqlmock.NewRows([]string{"event_type", "payload", "created_at"}).
			AddRow("breaker_state", `{"provider":"acme","from":"closed","to":"open"}`, fixedNow.Format(time.RFC3339Nano)))

	events, err := svc.ListEvents(context.Background(), EventBreaker, 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, fixedNow, events[0].Timestamp)

	var p BreakerPayload
	require.NoError(t, json.Unmarshal(events[0].Payload.(json.RawMessage), &p))
	assert.Equal(t, "open", p.To)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestParseEventType(t *testing.T) {
	typ, ok := ParseEventType("twap_reconcile")
	assert.True(t, ok)
	assert.Equal(t, EventTWAP, typ)

	_, ok = ParseEventType("")
	assert.True(t, ok)

	_, ok = ParseEventType("bogus")
	assert.False(t, ok)
}
