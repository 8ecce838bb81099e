package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/cadence/internal/api/middleware"
	"github.com/phrazzld/cadence/internal/audit"
	"github.com/phrazzld/cadence/internal/config"
	"github.com/phrazzld/cadence/internal/dedup"
	"github.com/phrazzld/cadence/internal/domain"
	"github.com/phrazzld/cadence/internal/intake"
	"github.com/phrazzld/cadence/internal/platform/logger"
	"github.com/phrazzld/cadence/internal/service/auth"
	"github.com/phrazzld/cadence/internal/store"
	"github.com/phrazzld/cadence/internal/store/memory"
	"github.com/phrazzld/cadence/internal/task"
	"github.com/stretchr/testify/require"
)

var now = time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

const webhookSecret = "test-webhook-secret"

type fakeCalls struct {
	completed []domain.CompletedCall
	call      *domain.CallAttempt
	err       error
}

func (f *fakeCalls) Complete(_ context.Context, done domain.CompletedCall) (*domain.CallAttempt, error) {
	f.completed = append(f.completed, done)
	if f.err != nil {
		return nil, f.err
	}
	return f.call, nil
}

type testServer struct {
	handler  http.Handler
	mem      *memory.Store
	stores   store.Stores
	jwt      auth.JWTService
	calls    *fakeCalls
	tenant   uuid.UUID
	operator uuid.UUID
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	mem := memory.New()
	stores := mem.Stores()
	journal := audit.NewJournal(nil, logger.Discard())

	in := intake.New(mem, dedup.NewMatcher(nil), journal, nil, logger.Discard())
	in.Now = func() time.Time { return now }
	svc := task.NewService(stores, in, journal, logger.Discard())
	svc.Now = func() time.Time { return now }

	jwtService, err := auth.NewJWTServiceWithClock(config.AuthConfig{
		JWTSecret:            "test-secret-that-is-long-enough-for-testing",
		Issuer:               "cadence-test",
		TokenLifetimeMinutes: 60,
	}, func() time.Time { return now })
	require.NoError(t, err)

	calls := &fakeCalls{}
	ts := &testServer{
		mem:      mem,
		stores:   stores,
		jwt:      jwtService,
		calls:    calls,
		tenant:   uuid.New(),
		operator: uuid.New(),
	}
	ts.handler = NewRouter(RouterDeps{
		Tasks:         NewTaskHandler(svc, logger.Discard()),
		Telephony:     NewTelephonyHandler(calls, stores.Activity, journal, logger.Discard()),
		Auth:          middleware.NewAuthMiddleware(jwtService),
		WebhookSecret: webhookSecret,
		Metrics: http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte("# metrics"))
		}),
		Logger: logger.Discard(),
	})
	return ts
}

func (ts *testServer) token(t *testing.T, tenantID uuid.UUID) string {
	t.Helper()
	token, err := ts.jwt.GenerateToken(context.Background(), ts.operator, tenantID)
	require.NoError(t, err)
	return token
}

// do sends a request as the server's tenant. A nil body sends none.
func (ts *testServer) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	return ts.doAs(t, ts.tenant, method, path, body)
}

func (ts *testServer) doAs(t *testing.T, tenantID uuid.UUID, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	req := newRequest(t, method, path, body)
	req.Header.Set("Authorization", "Bearer "+ts.token(t, tenantID))
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	return rec
}

func (ts *testServer) serve(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	return rec
}

func newRequest(t *testing.T, method, path string, body any) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	switch b := body.(type) {
	case nil:
	case string:
		buf.WriteString(b)
	default:
		require.NoError(t, json.NewEncoder(&buf).Encode(b))
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req
}

// seedTask stores a task of the server's tenant.
func (ts *testServer) seedTask(t *testing.T, status domain.TaskStatus) *domain.Task {
	t.Helper()
	task, err := domain.NewTask(ts.tenant, "Prepare the quarterly review for Acme", now)
	require.NoError(t, err)
	task.Status = status
	task.CreatedAt, task.UpdatedAt = now, now
	require.NoError(t, ts.stores.Tasks.Create(context.Background(), task))
	return task
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}
