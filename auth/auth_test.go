package auth

import (
	"context"
	stderrors "errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/taskmesh/errors"
	"github.com/c360/taskmesh/metric"
)

type fakeVerifier struct {
	subjectID string
	err       error
	calls     int
	onCall    func()
}

func (f *fakeVerifier) VerifyCredential(_ context.Context, _ string) (string, error) {
	f.calls++
	if f.onCall != nil {
		f.onCall()
	}
	return f.subjectID, f.err
}

type fakeFetcher struct {
	principal *Principal
	err       error
	calls     int
	gotID     string
}

func (f *fakeFetcher) FetchPrincipal(_ context.Context, subjectID string) (*Principal, error) {
	f.calls++
	f.gotID = subjectID
	return f.principal, f.err
}

var alice = &Principal{ID: "u1", Name: "Alice", Email: "alice@example.com", CreatedAt: time.Unix(1700000000, 0).UTC()}

func TestAuthorize_Success(t *testing.T) {
	v := &fakeVerifier{subjectID: "u1"}
	f := &fakeFetcher{principal: alice}
	o := NewOrchestrator(v, f)

	ac, err := o.Authorize(context.Background(), "Bearer "+testToken)
	require.NoError(t, err)
	assert.Equal(t, alice, ac.Principal)
	assert.Equal(t, testToken, ac.CredentialToken)
	assert.Equal(t, "u1", f.gotID)
}

func TestAuthorize_MalformedHeaderMakesNoCalls(t *testing.T) {
	v := &fakeVerifier{subjectID: "u1"}
	f := &fakeFetcher{principal: alice}
	o := NewOrchestrator(v, f)

	_, err := o.Authorize(context.Background(), "Token abc")
	require.Error(t, err)
	assert.True(t, errors.IsKind(err, errors.KindUnauthorized))
	assert.Equal(t, 0, v.calls)
	assert.Equal(t, 0, f.calls)
}

func TestAuthorize_VerifyFailureSkipsFetch(t *testing.T) {
	for _, cause := range []error{
		errors.Downstream("verify-credential", "unauthorized", "token expired"),
		errors.NewKind(errors.KindTimeout, "correlator.Await", "no reply"),
		errors.NewKind(errors.KindNotReady, "requestreply.Send", "client is subscribed"),
	} {
		v := &fakeVerifier{err: cause}
		f := &fakeFetcher{principal: alice}
		o := NewOrchestrator(v, f)

		_, err := o.Authorize(context.Background(), "Bearer "+testToken)
		require.Error(t, err)
		assert.True(t, errors.IsKind(err, errors.KindUnauthorized))
		assert.True(t, stderrors.Is(err, cause), "cause kept in the chain")
		assert.Equal(t, 0, f.calls)
	}
}

func TestAuthorize_FetchFailure(t *testing.T) {
	v := &fakeVerifier{subjectID: "u1"}
	f := &fakeFetcher{err: errors.Downstream("fetch-principal", "not_found", "user u1 not found")}
	o := NewOrchestrator(v, f)

	_, err := o.Authorize(context.Background(), "Bearer "+testToken)
	require.Error(t, err)
	assert.True(t, errors.IsKind(err, errors.KindUnauthorized))

	var ke *errors.Error
	require.True(t, stderrors.As(err, &ke))
	assert.Equal(t, FailureMessage, ke.Message)
}

func TestAuthorize_CanceledBetweenCalls(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	v := &fakeVerifier{subjectID: "u1", onCall: cancel}
	f := &fakeFetcher{principal: alice}
	o := NewOrchestrator(v, f)

	_, err := o.Authorize(ctx, "Bearer "+testToken)
	require.Error(t, err)
	assert.True(t, errors.IsKind(err, errors.KindUnauthorized))
	assert.Equal(t, 1, v.calls)
	assert.Equal(t, 0, f.calls)
}

func TestAuthorize_RecordsDecisions(t *testing.T) {
	registry := metric.NewMetricsRegistry()
	m := registry.CoreMetrics()

	ok := NewOrchestrator(&fakeVerifier{subjectID: "u1"}, &fakeFetcher{principal: alice}, WithMetrics(m))
	_, _ = ok.Authorize(context.Background(), "Bearer "+testToken)
	_, _ = ok.Authorize(context.Background(), "")

	denied := NewOrchestrator(&fakeVerifier{err: stderrors.New("boom")}, &fakeFetcher{}, WithMetrics(m))
	_, _ = denied.Authorize(context.Background(), "Bearer "+testToken)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.AuthDecisions.WithLabelValues("allowed", "none")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.AuthDecisions.WithLabelValues("denied", StageExtract)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.AuthDecisions.WithLabelValues("denied", StageVerify)))
}

func TestContextHelpers(t *testing.T) {
	_, ok := FromContext(context.Background())
	assert.False(t, ok)

	ac := &AuthContext{Principal: alice, CredentialToken: testToken}
	got, ok := FromContext(WithContext(context.Background(), ac))
	require.True(t, ok)
	assert.Same(t, ac, got)
}

func TestMiddleware(t *testing.T) {
	o := NewOrchestrator(&fakeVerifier{subjectID: "u1"}, &fakeFetcher{principal: alice})

	var seen *AuthContext
	handler := Middleware(o)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = FromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	t.Run("authorized", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/user/me", nil)
		req.Header.Set("Authorization", "Bearer "+testToken)
		rec := httptest.NewRecorder()

		handler.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusNoContent, rec.Code)
		require.NotNil(t, seen)
		assert.Equal(t, "u1", seen.Principal.ID)
	})

	t.Run("missing header", func(t *testing.T) {
		seen = nil
		rec := httptest.NewRecorder()

		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/user/me", nil))

		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.JSONEq(t, `{"error":"Authorization failed, please retry","status":401}`, rec.Body.String())
		assert.Nil(t, seen)
	})
}
