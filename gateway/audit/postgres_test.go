// Copyright 2025 Tollgate
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

package audit

import (
	"context"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newPostgresStore(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS gateway_audit_logs").
		WillReturnResult(sqlmock.NewResult(0, 0))
	s, err := NewPostgresStore(db)
	require.NoError(t, err)
	return s, mock
}

func TestPostgresInsertBatch(t *testing.T) {
	s, mock := newPostgresStore(t)

	e := NewEntry("req-1")
	e.TokenID = "tok-1"
	e.Method = "POST"
	e.Path = "/v1/chat/completions"
	e.PolicyResult = ResultAllow

	mock.ExpectBegin()
	mock.ExpectPrepare("INSERT INTO gateway_audit_logs").
		ExpectExec().
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, s.InsertBatch(context.Background(), []*Entry{e}))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresGetNotFound(t *testing.T) {
	s, mock := newPostgresStore(t)

	mock.ExpectQuery("SELECT .+ FROM gateway_audit_logs WHERE id = \\$1").
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err := s.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrEntryNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresSessionAggregation(t *testing.T) {
	s, mock := newPostgresStore(t)

	first := time.Now().UTC().Add(-time.Minute)
	last := time.Now().UTC()
	mock.ExpectQuery("SELECT session_id,").
		WithArgs("sess-a").
		WillReturnRows(sqlmock.NewRows([]string{
			"session_id", "total_requests", "total_cost_usd",
			"total_prompt_tokens", "total_latency_ms", "first_seen", "last_seen",
		}).AddRow("sess-a", 3, 0.03, 300, 150, first, last))

	sess, err := s.Session(context.Background(), "sess-a")
	require.NoError(t, err)
	assert.Equal(t, int64(3), sess.TotalRequests)
	assert.InDelta(t, 0.03, sess.TotalCostUSD, 1e-9)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresList(t *testing.T) {
	s, mock := newPostgresStore(t)

	ts := time.Now().UTC()
	cols := []string{
		"id", "request_id", "timestamp", "token_id", "project_id", "agent_name", "session_id",
		"method", "path", "model", "upstream_status", "gateway_status", "latency_ms",
		"policy_result", "deny_reason", "hitl_required", "hitl_decision", "hitl_latency_ms",
		"cost_usd", "prompt_tokens", "completion_tokens",
		"fields_redacted", "shadow_violations", "custom_properties",
	}
	mock.ExpectQuery("SELECT .+ FROM gateway_audit_logs WHERE 1=1 AND token_id = \\$1").
		WithArgs("tok-1").
		WillReturnRows(sqlmock.NewRows(cols).AddRow(
			"audit_1", "req-1", ts, "tok-1", "", "support-bot", "sess-a",
			"POST", "/v1/chat/completions", "gpt-4o", 200, 200, 420,
			ResultAllow, "", false, "", 0,
			0.02, 120, 80,
			[]byte(`["email"]`), []byte(`[]`), []byte(`{}`),
		))

	entries, err := s.List(context.Background(), Filter{TokenID: "tok-1"})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, []string{"email"}, entries[0].FieldsRedacted)
	assert.Equal(t, 200, entries[0].UpstreamStatus)
	assert.NoError(t, mock.ExpectationsWereMet())
}
