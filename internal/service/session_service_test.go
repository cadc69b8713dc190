package service

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/noah-isme/session-gateway/internal/models"
	appErrors "github.com/noah-isme/session-gateway/pkg/errors"
)

type mockTokenStore struct {
	mu     sync.Mutex
	items  map[string]models.TokenPair
	getErr error
	// beforeSwap runs ahead of every CompareAndSwap, outside the lock.
	beforeSwap func()
}

func newMockTokenStore() *mockTokenStore {
	return &mockTokenStore{items: make(map[string]models.TokenPair)}
}

func (m *mockTokenStore) Get(ctx context.Context, sessionID string) (models.TokenPair, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getErr != nil {
		return models.TokenPair{}, m.getErr
	}
	pair, ok := m.items[sessionID]
	if !ok {
		return models.TokenPair{}, appErrors.ErrSessionNotFound
	}
	return pair, nil
}

func (m *mockTokenStore) Set(ctx context.Context, sessionID string, pair models.TokenPair) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[sessionID] = pair
	return nil
}

func (m *mockTokenStore) CompareAndSwap(ctx context.Context, sessionID, expectedRefresh string, next models.TokenPair) (bool, error) {
	if m.beforeSwap != nil {
		m.beforeSwap()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.items[sessionID]
	if !ok || current.RefreshToken != expectedRefresh {
		return false, nil
	}
	m.items[sessionID] = next
	return true, nil
}

func (m *mockTokenStore) Delete(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.items, sessionID)
	return nil
}

func (m *mockTokenStore) lookup(sessionID string) (models.TokenPair, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pair, ok := m.items[sessionID]
	return pair, ok
}

type mockBackend struct {
	loginResult CallResult
	loginErr    error
	refreshFn   func(refreshToken string) (CallResult, error)
	verifyFn    func(accessToken string) (CallResult, error)
	logoutErr   error

	loginCalls   int32
	refreshCalls int32
	verifyCalls  int32

	mu      sync.Mutex
	revoked []string
}

func (m *mockBackend) Login(ctx context.Context, email, password string) (CallResult, error) {
	atomic.AddInt32(&m.loginCalls, 1)
	return m.loginResult, m.loginErr
}

func (m *mockBackend) Refresh(ctx context.Context, refreshToken string) (CallResult, error) {
	atomic.AddInt32(&m.refreshCalls, 1)
	if m.refreshFn == nil {
		return CallResult{Kind: ResultServerError, Status: http.StatusInternalServerError}, nil
	}
	return m.refreshFn(refreshToken)
}

func (m *mockBackend) Verify(ctx context.Context, accessToken string) (CallResult, error) {
	atomic.AddInt32(&m.verifyCalls, 1)
	if m.verifyFn == nil {
		return CallResult{Kind: ResultSuccess, Status: http.StatusOK}, nil
	}
	return m.verifyFn(accessToken)
}

func (m *mockBackend) Logout(ctx context.Context, accessToken, refreshToken string) (CallResult, error) {
	m.mu.Lock()
	m.revoked = append(m.revoked, refreshToken)
	m.mu.Unlock()
	if m.logoutErr != nil {
		return CallResult{}, m.logoutErr
	}
	return CallResult{Kind: ResultSuccess, Status: http.StatusOK}, nil
}

func (m *mockBackend) revokedTokens() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.revoked...)
}

var testNow = time.Unix(1_700_000_000, 0)

func tokenResult(t *testing.T, payload map[string]interface{}) CallResult {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	return CallResult{Kind: ResultSuccess, Status: http.StatusOK, Payload: raw}
}

func newTestSessionService(store TokenStore, backend credentialBackend) *SessionService {
	return NewSessionService(store, backend, validator.New(), NewMetricsService(), zap.NewNop(), SessionConfig{
		AccessTokenLifetime:  5 * time.Minute,
		RefreshTokenLifetime: 24 * time.Hour,
		RefreshTimeout:       2 * time.Second,
		LogoutTimeout:        2 * time.Second,
	})
}

func seededPair(accessOffset, refreshOffset time.Duration) models.TokenPair {
	return models.TokenPair{
		AccessToken:           "access-old",
		RefreshToken:          "refresh-old",
		AccessTokenExpiresAt:  testNow.Add(accessOffset).Unix(),
		RefreshTokenExpiresAt: testNow.Add(refreshOffset).Unix(),
	}
}

func TestSessionServiceLoginThenResolveWithoutNetwork(t *testing.T) {
	store := newMockTokenStore()
	backend := &mockBackend{loginResult: tokenResult(t, map[string]interface{}{
		"access":             "access-1",
		"refresh":            "refresh-1",
		"access_expires_at":  testNow.Add(time.Minute).Unix(),
		"refresh_expires_at": testNow.Add(time.Hour).Unix(),
	})}
	svc := newTestSessionService(store, backend)

	sessionID, pair, err := svc.Login(context.Background(), models.LoginRequest{Email: " jane@example.com ", Password: "pw"}, testNow)
	require.NoError(t, err)
	assert.Len(t, sessionID, 43)
	assert.Equal(t, "access-1", pair.AccessToken)

	stored, ok := store.lookup(sessionID)
	require.True(t, ok)
	assert.Equal(t, pair, stored)

	res := svc.Resolve(context.Background(), sessionID, testNow.Add(30*time.Second))
	assert.Equal(t, models.SessionAuthenticated, res.State)
	assert.Equal(t, models.VerdictAuthenticated, res.Verdict())
	assert.False(t, res.Refreshed)
	assert.Equal(t, int32(0), atomic.LoadInt32(&backend.refreshCalls))
	assert.Equal(t, int32(1), atomic.LoadInt32(&backend.loginCalls))
}

func TestSessionServiceLoginValidation(t *testing.T) {
	backend := &mockBackend{}
	svc := newTestSessionService(newMockTokenStore(), backend)

	_, _, err := svc.Login(context.Background(), models.LoginRequest{Email: "", Password: "pw"}, testNow)
	require.Error(t, err)
	var appErr *appErrors.Error
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, appErrors.ErrValidation.Code, appErr.Code)
	assert.Equal(t, "email and password are required", appErr.Message)

	_, _, err = svc.Login(context.Background(), models.LoginRequest{Email: "jane@example.com", Password: ""}, testNow)
	assert.True(t, errors.Is(err, appErrors.ErrValidation))

	_, _, err = svc.Login(context.Background(), models.LoginRequest{Email: "not-an-email", Password: "pw"}, testNow)
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, appErrors.ErrValidation.Code, appErr.Code)
	assert.Equal(t, "a valid email address is required", appErr.Message)

	assert.Equal(t, int32(0), atomic.LoadInt32(&backend.loginCalls))
}

func TestSessionServiceLoginFailures(t *testing.T) {
	tests := []struct {
		name   string
		result CallResult
		err    error
		want   *appErrors.Error
	}{
		{"unauthorized", CallResult{Kind: ResultUnauthorized, Status: http.StatusUnauthorized}, nil, appErrors.ErrAuthFailed},
		{"client error", CallResult{Kind: ResultClientError, Status: http.StatusBadRequest, Message: "No active account"}, nil, appErrors.ErrAuthFailed},
		{"server error", CallResult{Kind: ResultServerError, Status: http.StatusInternalServerError}, nil, appErrors.ErrServerError},
		{"network failure", CallResult{}, appErrors.Wrap(errors.New("dial tcp"), appErrors.ErrNetworkFailure.Code, appErrors.ErrNetworkFailure.Status, appErrors.ErrNetworkFailure.Message), appErrors.ErrNetworkFailure},
		{"malformed success", CallResult{Kind: ResultSuccess, Status: http.StatusOK, Payload: json.RawMessage(`{"refresh":"r"}`)}, nil, appErrors.ErrServerError},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			store := newMockTokenStore()
			svc := newTestSessionService(store, &mockBackend{loginResult: tc.result, loginErr: tc.err})

			sessionID, _, err := svc.Login(context.Background(), models.LoginRequest{Email: "jane@example.com", Password: "pw"}, testNow)
			require.Error(t, err)
			assert.True(t, errors.Is(err, tc.want), err.Error())
			assert.Empty(t, sessionID)
			assert.Empty(t, store.items)
		})
	}
}

func TestSessionServiceLoginRejectionIsOpaque(t *testing.T) {
	svc := newTestSessionService(newMockTokenStore(), &mockBackend{loginResult: CallResult{
		Kind:    ResultClientError,
		Status:  http.StatusBadRequest,
		Message: "No active account found with the given credentials",
	}})

	_, _, err := svc.Login(context.Background(), models.LoginRequest{Email: "jane@example.com", Password: "pw"}, testNow)
	var appErr *appErrors.Error
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, "invalid credentials", appErr.Message)
}

func TestSessionServiceExpiryFromTokenClaims(t *testing.T) {
	accessExp := testNow.Add(90 * time.Second)
	access, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"exp": accessExp.Unix()}).SignedString([]byte("k"))
	require.NoError(t, err)

	svc := newTestSessionService(newMockTokenStore(), &mockBackend{loginResult: tokenResult(t, map[string]interface{}{
		"access":  access,
		"refresh": "opaque-refresh",
	})})

	_, pair, err := svc.Login(context.Background(), models.LoginRequest{Email: "jane@example.com", Password: "pw"}, testNow)
	require.NoError(t, err)
	assert.Equal(t, accessExp.Unix(), pair.AccessTokenExpiresAt)
	assert.Equal(t, testNow.Add(24*time.Hour).Unix(), pair.RefreshTokenExpiresAt)
}

func TestSessionServiceExpiryFallbackAndClamp(t *testing.T) {
	svc := newTestSessionService(newMockTokenStore(), &mockBackend{loginResult: tokenResult(t, map[string]interface{}{
		"access":  "opaque-access",
		"refresh": "opaque-refresh",
	})})
	_, pair, err := svc.Login(context.Background(), models.LoginRequest{Email: "jane@example.com", Password: "pw"}, testNow)
	require.NoError(t, err)
	assert.Equal(t, testNow.Add(5*time.Minute).Unix(), pair.AccessTokenExpiresAt)
	assert.Equal(t, testNow.Add(24*time.Hour).Unix(), pair.RefreshTokenExpiresAt)

	svc = newTestSessionService(newMockTokenStore(), &mockBackend{loginResult: tokenResult(t, map[string]interface{}{
		"access":             "a",
		"refresh":            "r",
		"access_expires_at":  testNow.Add(2 * time.Hour).Unix(),
		"refresh_expires_at": testNow.Add(time.Hour).Unix(),
	})})
	_, pair, err = svc.Login(context.Background(), models.LoginRequest{Email: "jane@example.com", Password: "pw"}, testNow)
	require.NoError(t, err)
	assert.True(t, pair.Consistent())
	assert.Equal(t, pair.RefreshTokenExpiresAt, pair.AccessTokenExpiresAt)
}

func TestSessionServiceResolveUnknownSession(t *testing.T) {
	backend := &mockBackend{}
	svc := newTestSessionService(newMockTokenStore(), backend)

	res := svc.Resolve(context.Background(), "missing", testNow)
	assert.Equal(t, models.SessionUnauthenticated, res.State)
	assert.Equal(t, models.VerdictUnauthenticated, res.Verdict())

	res = svc.Resolve(context.Background(), "", testNow)
	assert.Equal(t, models.VerdictUnauthenticated, res.Verdict())
	assert.Equal(t, int32(0), atomic.LoadInt32(&backend.refreshCalls))
}

func TestSessionServiceResolveStoreFailureIsUnknown(t *testing.T) {
	store := newMockTokenStore()
	store.getErr = errors.New("connection refused")
	svc := newTestSessionService(store, &mockBackend{})

	res := svc.Resolve(context.Background(), "sid", testNow)
	require.Error(t, res.Err)
	assert.Equal(t, models.VerdictUnknown, res.Verdict())
}

func TestSessionServiceResolveExpiredRefreshDeletesEntry(t *testing.T) {
	store := newMockTokenStore()
	store.items["sid"] = seededPair(-2*time.Hour, -time.Hour)
	backend := &mockBackend{}
	svc := newTestSessionService(store, backend)

	res := svc.Resolve(context.Background(), "sid", testNow)
	assert.Equal(t, models.SessionUnauthenticated, res.State)
	assert.True(t, res.Expired)
	assert.NoError(t, res.Err)

	_, ok := store.lookup("sid")
	assert.False(t, ok)
	assert.Equal(t, int32(0), atomic.LoadInt32(&backend.refreshCalls))
}

func TestSessionServiceConcurrentResolveRefreshesOnce(t *testing.T) {
	store := newMockTokenStore()
	store.items["sid"] = seededPair(-time.Second, time.Hour)

	backend := &mockBackend{}
	backend.refreshFn = func(refreshToken string) (CallResult, error) {
		assert.Equal(t, "refresh-old", refreshToken)
		time.Sleep(100 * time.Millisecond)
		return tokenResult(t, map[string]interface{}{
			"access":            "access-new",
			"refresh":           "refresh-new",
			"access_expires_at": testNow.Add(5 * time.Minute).Unix(),
		}), nil
	}
	svc := newTestSessionService(store, backend)

	const callers = 20
	results := make([]models.Resolution, callers)
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			results[i] = svc.Resolve(context.Background(), "sid", testNow)
		}(i)
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&backend.refreshCalls))
	for _, res := range results {
		require.Equal(t, models.VerdictAuthenticated, res.Verdict())
		assert.Equal(t, "access-new", res.Pair.AccessToken)
		assert.Equal(t, "refresh-new", res.Pair.RefreshToken)
	}

	stored, ok := store.lookup("sid")
	require.True(t, ok)
	assert.Equal(t, "access-new", stored.AccessToken)
	assert.Equal(t, "refresh-new", stored.RefreshToken)
	assert.True(t, stored.Consistent())
}

func TestSessionServiceRefreshWithoutRotationKeepsRefreshToken(t *testing.T) {
	store := newMockTokenStore()
	seed := seededPair(-time.Second, time.Hour)
	store.items["sid"] = seed

	backend := &mockBackend{refreshFn: func(string) (CallResult, error) {
		return tokenResult(t, map[string]interface{}{"access": "access-new"}), nil
	}}
	svc := newTestSessionService(store, backend)

	res := svc.Resolve(context.Background(), "sid", testNow)
	require.Equal(t, models.VerdictAuthenticated, res.Verdict())
	assert.True(t, res.Refreshed)
	assert.Equal(t, "refresh-old", res.Pair.RefreshToken)
	assert.Equal(t, seed.RefreshTokenExpiresAt, res.Pair.RefreshTokenExpiresAt)
	assert.Equal(t, testNow.Add(5*time.Minute).Unix(), res.Pair.AccessTokenExpiresAt)
}

func TestSessionServiceRefreshRejectedDeletesEntry(t *testing.T) {
	for _, kind := range []ResultKind{ResultUnauthorized, ResultClientError} {
		t.Run(string(kind), func(t *testing.T) {
			store := newMockTokenStore()
			store.items["sid"] = seededPair(-time.Second, time.Hour)
			backend := &mockBackend{refreshFn: func(string) (CallResult, error) {
				return CallResult{Kind: kind, Status: http.StatusUnauthorized}, nil
			}}
			svc := newTestSessionService(store, backend)

			res := svc.Resolve(context.Background(), "sid", testNow)
			assert.Equal(t, models.VerdictUnauthenticated, res.Verdict())
			assert.NoError(t, res.Err)
			_, ok := store.lookup("sid")
			assert.False(t, ok)
		})
	}
}

func TestSessionServiceRefreshTransientFailureKeepsEntry(t *testing.T) {
	tests := []struct {
		name    string
		result  CallResult
		err     error
		wantErr *appErrors.Error
	}{
		{"server error", CallResult{Kind: ResultServerError, Status: http.StatusBadGateway}, nil, appErrors.ErrServerError},
		{"network failure", CallResult{}, appErrors.Wrap(errors.New("timeout"), appErrors.ErrNetworkFailure.Code, appErrors.ErrNetworkFailure.Status, appErrors.ErrNetworkFailure.Message), appErrors.ErrNetworkFailure},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			store := newMockTokenStore()
			seed := seededPair(-time.Second, time.Hour)
			store.items["sid"] = seed
			backend := &mockBackend{refreshFn: func(string) (CallResult, error) {
				return tc.result, tc.err
			}}
			svc := newTestSessionService(store, backend)

			res := svc.Resolve(context.Background(), "sid", testNow)
			assert.Equal(t, models.VerdictUnknown, res.Verdict())
			assert.True(t, errors.Is(res.Err, tc.wantErr))

			stored, ok := store.lookup("sid")
			require.True(t, ok)
			assert.Equal(t, seed, stored)
		})
	}
}

func TestSessionServiceRefreshOutlivesCancelledCaller(t *testing.T) {
	store := newMockTokenStore()
	store.items["sid"] = seededPair(-time.Second, time.Hour)

	release := make(chan struct{})
	backend := &mockBackend{refreshFn: func(string) (CallResult, error) {
		<-release
		return tokenResult(t, map[string]interface{}{"access": "access-new", "refresh": "refresh-new"}), nil
	}}
	svc := newTestSessionService(store, backend)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan models.Resolution, 1)
	go func() {
		done <- svc.Resolve(ctx, "sid", testNow)
	}()

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&backend.refreshCalls) == 1
	}, time.Second, 5*time.Millisecond)
	cancel()

	res := <-done
	assert.True(t, errors.Is(res.Err, context.Canceled))
	assert.Equal(t, models.VerdictUnknown, res.Verdict())

	close(release)
	require.Eventually(t, func() bool {
		stored, ok := store.lookup("sid")
		return ok && stored.AccessToken == "access-new"
	}, time.Second, 5*time.Millisecond)
}

func TestSessionServiceLogoutDuringRefreshDoesNotResurrect(t *testing.T) {
	store := newMockTokenStore()
	store.items["sid"] = seededPair(-time.Second, time.Hour)

	release := make(chan struct{})
	backend := &mockBackend{refreshFn: func(string) (CallResult, error) {
		<-release
		return tokenResult(t, map[string]interface{}{"access": "access-new", "refresh": "refresh-new"}), nil
	}}
	svc := newTestSessionService(store, backend)

	done := make(chan models.Resolution, 1)
	go func() {
		done <- svc.Resolve(context.Background(), "sid", testNow)
	}()
	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&backend.refreshCalls) == 1
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, svc.Logout(context.Background(), "sid"))
	close(release)

	res := <-done
	assert.Equal(t, models.VerdictUnauthenticated, res.Verdict())
	svc.Wait()

	_, ok := store.lookup("sid")
	assert.False(t, ok)
	assert.ElementsMatch(t, []string{"refresh-old", "refresh-new"}, backend.revokedTokens())
}

func TestSessionServiceLogoutBeforeRefreshWriteRevokesNewPair(t *testing.T) {
	store := newMockTokenStore()
	store.items["sid"] = seededPair(-time.Second, time.Hour)
	backend := &mockBackend{refreshFn: func(string) (CallResult, error) {
		return tokenResult(t, map[string]interface{}{"access": "access-new", "refresh": "refresh-new"}), nil
	}}
	svc := newTestSessionService(store, backend)
	store.beforeSwap = func() {
		assert.NoError(t, svc.Logout(context.Background(), "sid"))
	}

	res := svc.Resolve(context.Background(), "sid", testNow)
	assert.Equal(t, models.VerdictUnauthenticated, res.Verdict())
	svc.Wait()

	_, ok := store.lookup("sid")
	assert.False(t, ok)
	assert.ElementsMatch(t, []string{"refresh-old", "refresh-new"}, backend.revokedTokens())
}

func TestSessionServiceRefreshSupersededByOtherWriter(t *testing.T) {
	store := newMockTokenStore()
	store.items["sid"] = seededPair(-time.Second, time.Hour)
	backend := &mockBackend{refreshFn: func(string) (CallResult, error) {
		return tokenResult(t, map[string]interface{}{"access": "access-new", "refresh": "refresh-new"}), nil
	}}
	svc := newTestSessionService(store, backend)

	other := models.TokenPair{
		AccessToken:           "access-other",
		RefreshToken:          "refresh-other",
		AccessTokenExpiresAt:  testNow.Add(time.Minute).Unix(),
		RefreshTokenExpiresAt: testNow.Add(time.Hour).Unix(),
	}
	store.beforeSwap = func() {
		assert.NoError(t, store.Set(context.Background(), "sid", other))
	}

	res := svc.Resolve(context.Background(), "sid", testNow)
	assert.Equal(t, models.VerdictAuthenticated, res.Verdict())
	assert.False(t, res.Refreshed)
	assert.Equal(t, "access-other", res.Pair.AccessToken)
	svc.Wait()

	stored, ok := store.lookup("sid")
	require.True(t, ok)
	assert.Equal(t, other, stored)
	assert.Equal(t, []string{"refresh-new"}, backend.revokedTokens())
}

func TestSessionServiceLogout(t *testing.T) {
	store := newMockTokenStore()
	store.items["sid"] = seededPair(time.Minute, time.Hour)
	backend := &mockBackend{logoutErr: errors.New("unreachable")}
	svc := newTestSessionService(store, backend)

	require.NoError(t, svc.Logout(context.Background(), "sid"))
	_, ok := store.lookup("sid")
	assert.False(t, ok)

	svc.Wait()
	assert.Equal(t, []string{"refresh-old"}, backend.revokedTokens())

	res := svc.Resolve(context.Background(), "sid", testNow)
	assert.Equal(t, models.VerdictUnauthenticated, res.Verdict())

	require.NoError(t, svc.Logout(context.Background(), "unknown"))
	require.NoError(t, svc.Logout(context.Background(), ""))
	svc.Wait()
	assert.Len(t, backend.revokedTokens(), 1)
}

func TestSessionServiceVerify(t *testing.T) {
	store := newMockTokenStore()
	store.items["sid"] = seededPair(time.Minute, time.Hour)
	backend := &mockBackend{}
	svc := newTestSessionService(store, backend)

	res, verified, err := svc.Verify(context.Background(), "sid", testNow)
	require.NoError(t, err)
	assert.True(t, verified)
	assert.Equal(t, "access-old", res.Pair.AccessToken)
	assert.Equal(t, int32(0), atomic.LoadInt32(&backend.refreshCalls))

	_, verified, err = svc.Verify(context.Background(), "missing", testNow)
	require.NoError(t, err)
	assert.False(t, verified)
}

func TestSessionServiceVerifyRejectedTokenTriggersRefresh(t *testing.T) {
	store := newMockTokenStore()
	store.items["sid"] = seededPair(time.Minute, time.Hour)
	backend := &mockBackend{
		verifyFn: func(string) (CallResult, error) {
			return CallResult{Kind: ResultUnauthorized, Status: http.StatusUnauthorized}, nil
		},
		refreshFn: func(string) (CallResult, error) {
			return tokenResult(t, map[string]interface{}{"access": "access-new", "refresh": "refresh-new"}), nil
		},
	}
	svc := newTestSessionService(store, backend)

	res, verified, err := svc.Verify(context.Background(), "sid", testNow)
	require.NoError(t, err)
	assert.True(t, verified)
	assert.True(t, res.Refreshed)
	assert.Equal(t, "access-new", res.Pair.AccessToken)
	assert.Equal(t, int32(1), atomic.LoadInt32(&backend.refreshCalls))
}

func TestSessionServiceVerifyRetriesAfterJoiningUnhintedFlight(t *testing.T) {
	store := newMockTokenStore()
	store.items["sid"] = seededPair(time.Minute, time.Hour)
	backend := &mockBackend{
		verifyFn: func(string) (CallResult, error) {
			return CallResult{Kind: ResultUnauthorized, Status: http.StatusUnauthorized}, nil
		},
		refreshFn: func(string) (CallResult, error) {
			return tokenResult(t, map[string]interface{}{"access": "access-new", "refresh": "refresh-new"}), nil
		},
	}
	svc := newTestSessionService(store, backend)

	// A flight already in progress for the session that knows nothing about
	// the rejected token and hands back the stored pair as is.
	release := make(chan struct{})
	pending := svc.flights.DoChan("sid", func() (interface{}, error) {
		<-release
		return authenticated(seededPair(time.Minute, time.Hour), false), nil
	})

	type verifyOutcome struct {
		res      models.Resolution
		verified bool
		err      error
	}
	done := make(chan verifyOutcome, 1)
	go func() {
		res, verified, err := svc.Verify(context.Background(), "sid", testNow)
		done <- verifyOutcome{res: res, verified: verified, err: err}
	}()

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&backend.verifyCalls) == 1
	}, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(release)
	<-pending

	out := <-done
	require.NoError(t, out.err)
	assert.True(t, out.verified)
	assert.True(t, out.res.Refreshed)
	assert.Equal(t, "access-new", out.res.Pair.AccessToken)
	assert.Equal(t, int32(1), atomic.LoadInt32(&backend.refreshCalls))
}
