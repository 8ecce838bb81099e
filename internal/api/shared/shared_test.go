package shared

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTraceID(t *testing.T) {
	t.Parallel()
	assert.Empty(t, GetTraceID(context.Background()))

	a := GetTraceID(SetTraceID(context.Background()))
	b := GetTraceID(SetTraceID(context.Background()))
	assert.Len(t, a, TraceIDLength*2)
	assert.NotEqual(t, a, b)
}

func TestPrincipal(t *testing.T) {
	t.Parallel()
	_, ok := TenantID(context.Background())
	assert.False(t, ok)

	operatorID, tenantID := uuid.New(), uuid.New()
	ctx := WithPrincipal(context.Background(), operatorID, tenantID)
	got, ok := TenantID(ctx)
	require.True(t, ok)
	assert.Equal(t, tenantID, got)
	got, ok = OperatorID(ctx)
	require.True(t, ok)
	assert.Equal(t, operatorID, got)

	_, ok = TenantID(WithPrincipal(context.Background(), operatorID, uuid.Nil))
	assert.False(t, ok)
}

type sample struct {
	Name  string `json:"name"  validate:"required"`
	Count int    `json:"count" validate:"gte=0"`
}

func TestDecodeJSON(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		body    string
		wantErr bool
	}{
		{name: "valid", body: `{"name":"a","count":1}`},
		{name: "unknown field", body: `{"name":"a","extra":true}`, wantErr: true},
		{name: "trailing data", body: `{"name":"a"}{"name":"b"}`, wantErr: true},
		{name: "malformed", body: `{"name":`, wantErr: true},
		{name: "too large", body: `{"name":"` + strings.Repeat("x", MaxBodyBytes) + `"}`, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			var v sample
			req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(tt.body))
			err := DecodeJSON(httptest.NewRecorder(), req, &v)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, "a", v.Name)
		})
	}
}

type selfValidating struct{ ok bool }

func (s selfValidating) Validate() error {
	if !s.ok {
		return errors.New("not ok")
	}
	return nil
}

func TestValidateRequest(t *testing.T) {
	t.Parallel()
	assert.NoError(t, ValidateRequest(sample{Name: "a"}))
	assert.Error(t, ValidateRequest(sample{}))
	assert.Error(t, ValidateRequest(sample{Name: "a", Count: -1}))
	assert.NoError(t, ValidateRequest(selfValidating{ok: true}))
	assert.Error(t, ValidateRequest(selfValidating{}))
}

func TestRespondWithError(t *testing.T) {
	t.Parallel()
	req := httptest.NewRequest(http.MethodGet, "/api/tasks", nil)
	req = req.WithContext(SetTraceID(req.Context()))
	rec := httptest.NewRecorder()

	RespondWithErrorAndLog(rec, req, http.StatusInternalServerError, "Something went wrong",
		errors.New("dial tcp 10.0.0.1:5432: password=hunter2"))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	var body ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "Something went wrong", body.Error)
	assert.Equal(t, GetTraceID(req.Context()), body.TraceID)
	assert.NotContains(t, rec.Body.String(), "hunter2")
}
