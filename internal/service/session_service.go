package service

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/noah-isme/session-gateway/internal/dto"
	"github.com/noah-isme/session-gateway/internal/models"
	appErrors "github.com/noah-isme/session-gateway/pkg/errors"
	"github.com/noah-isme/session-gateway/pkg/logger"
	"github.com/noah-isme/session-gateway/pkg/sessioncookie"
)

type credentialBackend interface {
	Login(ctx context.Context, email, password string) (CallResult, error)
	Refresh(ctx context.Context, refreshToken string) (CallResult, error)
	Verify(ctx context.Context, accessToken string) (CallResult, error)
	Logout(ctx context.Context, accessToken, refreshToken string) (CallResult, error)
}

// SessionConfig defines token lifetimes used when the credential service
// does not report expiries itself.
type SessionConfig struct {
	AccessTokenLifetime  time.Duration
	RefreshTokenLifetime time.Duration
	// RefreshTimeout bounds a refresh once started. The refresh keeps running
	// when the request that triggered it goes away.
	RefreshTimeout time.Duration
	LogoutTimeout  time.Duration
}

// SessionService drives the token lifecycle of every session: login,
// resolution with transparent refresh, verification and logout.
type SessionService struct {
	store     TokenStore
	backend   credentialBackend
	validator *validator.Validate
	metrics   *MetricsService
	logger    *zap.Logger
	config    SessionConfig
	newID     func() (string, error)

	flights singleflight.Group
	pending sync.WaitGroup
}

// NewSessionService constructs a SessionService instance.
func NewSessionService(store TokenStore, backend credentialBackend, validate *validator.Validate, metrics *MetricsService, logger *zap.Logger, config SessionConfig) *SessionService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if validate == nil {
		validate = validator.New()
	}
	if config.AccessTokenLifetime <= 0 {
		config.AccessTokenLifetime = 5 * time.Minute
	}
	if config.RefreshTokenLifetime <= 0 {
		config.RefreshTokenLifetime = 24 * time.Hour
	}
	if config.RefreshTimeout <= 0 {
		config.RefreshTimeout = 15 * time.Second
	}
	if config.LogoutTimeout <= 0 {
		config.LogoutTimeout = 15 * time.Second
	}
	return &SessionService{
		store:     store,
		backend:   backend,
		validator: validate,
		metrics:   metrics,
		logger:    logger,
		config:    config,
		newID:     sessioncookie.NewID,
	}
}

// Login validates credentials, exchanges them for a token pair and binds the
// pair to a freshly generated session id.
func (s *SessionService) Login(ctx context.Context, req models.LoginRequest, now time.Time) (string, models.TokenPair, error) {
	req.Email = strings.TrimSpace(req.Email)
	if err := s.validator.Struct(req); err != nil {
		return "", models.TokenPair{}, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, validationMessage(err))
	}

	result, err := s.backend.Login(ctx, req.Email, req.Password)
	if err != nil {
		return "", models.TokenPair{}, appErrors.FromError(err)
	}

	switch result.Kind {
	case ResultSuccess:
	case ResultServerError:
		s.logger.Warn("credential service failed during login", zap.Int("status", result.Status))
		return "", models.TokenPair{}, appErrors.Clone(appErrors.ErrServerError, "")
	default:
		s.logger.Info("login rejected",
			zap.Int("status", result.Status),
			zap.String("ip", req.IP),
		)
		return "", models.TokenPair{}, appErrors.Clone(appErrors.ErrAuthFailed, "")
	}

	pair, err := s.pairFromResult(result, nil, now)
	if err != nil {
		s.logger.Error("malformed login response", zap.Error(err))
		return "", models.TokenPair{}, appErrors.Wrap(err, appErrors.ErrServerError.Code, appErrors.ErrServerError.Status, appErrors.ErrServerError.Message)
	}

	sessionID, err := s.newID()
	if err != nil {
		return "", models.TokenPair{}, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create session")
	}
	if err := s.store.Set(ctx, sessionID, pair); err != nil {
		return "", models.TokenPair{}, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to store session")
	}

	s.logger.Info("session established",
		logger.Session(sessionID),
		zap.String("ip", req.IP),
		zap.Time("access_expires_at", time.Unix(pair.AccessTokenExpiresAt, 0)),
	)
	return sessionID, pair, nil
}

// Resolve determines the session state at now, refreshing the access token
// when it has lapsed and the refresh token is still valid. Concurrent calls
// for the same session share one refresh.
func (s *SessionService) Resolve(ctx context.Context, sessionID string, now time.Time) models.Resolution {
	res := s.resolve(ctx, sessionID, now)
	state := res.State
	if res.Expired {
		state = models.SessionExpired
	}
	s.metrics.RecordResolution(state)
	return res
}

func (s *SessionService) resolve(ctx context.Context, sessionID string, now time.Time) models.Resolution {
	if sessionID == "" {
		return unauthenticated()
	}

	pair, err := s.store.Get(ctx, sessionID)
	if err != nil {
		if errors.Is(err, appErrors.ErrSessionNotFound) {
			return unauthenticated()
		}
		s.logger.Error("failed to load session tokens", logger.Session(sessionID), zap.Error(err))
		return models.Resolution{
			State: models.SessionUnauthenticated,
			Err:   appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load session"),
		}
	}

	if pair.AccessValidAt(now) {
		return authenticated(pair, false)
	}
	if !pair.RefreshValidAt(now) {
		return s.expire(ctx, sessionID)
	}
	return s.refresh(ctx, sessionID, now, "")
}

// refresh joins or starts the single refresh flight for sessionID. When stale
// is set, a stored access token equal to it is refreshed even if unexpired.
func (s *SessionService) refresh(ctx context.Context, sessionID string, now time.Time, stale string) models.Resolution {
	ch := s.flights.DoChan(sessionID, func() (interface{}, error) {
		flightCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.config.RefreshTimeout)
		defer cancel()
		return s.refreshOnce(flightCtx, sessionID, now, stale), nil
	})

	select {
	case out := <-ch:
		return out.Val.(models.Resolution)
	case <-ctx.Done():
		return models.Resolution{State: models.SessionNeedsRefresh, Err: ctx.Err()}
	}
}

func (s *SessionService) refreshOnce(ctx context.Context, sessionID string, now time.Time, stale string) models.Resolution {
	// Re-read inside the flight: an earlier flight may already have rotated
	// the pair, or a logout may have removed it.
	pair, err := s.store.Get(ctx, sessionID)
	if err != nil {
		if errors.Is(err, appErrors.ErrSessionNotFound) {
			return unauthenticated()
		}
		return models.Resolution{
			State: models.SessionNeedsRefresh,
			Err:   appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load session"),
		}
	}
	if pair.AccessValidAt(now) && pair.AccessToken != stale {
		return authenticated(pair, false)
	}
	if !pair.RefreshValidAt(now) {
		return s.expire(ctx, sessionID)
	}

	result, err := s.backend.Refresh(ctx, pair.RefreshToken)
	if err != nil {
		s.metrics.RecordRefresh("network_failure")
		s.logger.Warn("token refresh deferred", logger.Session(sessionID), zap.Error(err))
		return models.Resolution{State: models.SessionNeedsRefresh, Err: appErrors.FromError(err)}
	}

	switch result.Kind {
	case ResultSuccess:
	case ResultServerError:
		s.metrics.RecordRefresh("server_error")
		s.logger.Warn("token refresh deferred",
			logger.Session(sessionID),
			zap.Int("status", result.Status),
		)
		return models.Resolution{State: models.SessionNeedsRefresh, Err: appErrors.Clone(appErrors.ErrServerError, "")}
	default:
		s.metrics.RecordRefresh("rejected")
		s.logger.Info("refresh token rejected",
			logger.Session(sessionID),
			zap.Int("status", result.Status),
		)
		s.discard(ctx, sessionID)
		return unauthenticated()
	}

	next, err := s.pairFromResult(result, &pair, now)
	if err != nil {
		s.metrics.RecordRefresh("malformed")
		s.logger.Error("malformed refresh response", logger.Session(sessionID), zap.Error(err))
		return models.Resolution{
			State: models.SessionNeedsRefresh,
			Err:   appErrors.Wrap(err, appErrors.ErrServerError.Code, appErrors.ErrServerError.Status, appErrors.ErrServerError.Message),
		}
	}

	// The write only lands over the pair this flight started from. A logout
	// or rotation that happened during the call wins and the new pair is
	// revoked instead of resurrecting the session.
	swapped, err := s.store.CompareAndSwap(ctx, sessionID, pair.RefreshToken, next)
	if err != nil {
		s.metrics.RecordRefresh("store_failure")
		s.logger.Error("failed to store refreshed tokens", logger.Session(sessionID), zap.Error(err))
		return models.Resolution{
			State: models.SessionNeedsRefresh,
			Err:   appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to store session"),
		}
	}
	if !swapped {
		s.metrics.RecordRefresh("superseded")
		s.logger.Info("refreshed tokens superseded", logger.Session(sessionID))
		s.revokeAsync(sessionID, next)
		return s.superseded(ctx, sessionID, now)
	}

	s.metrics.RecordRefresh("success")
	s.logger.Debug("access token refreshed", logger.Session(sessionID))
	return authenticated(next, true)
}

// superseded reports the state left behind by whoever replaced the pair
// during a refresh.
func (s *SessionService) superseded(ctx context.Context, sessionID string, now time.Time) models.Resolution {
	current, err := s.store.Get(ctx, sessionID)
	switch {
	case errors.Is(err, appErrors.ErrSessionNotFound):
		return unauthenticated()
	case err != nil:
		return models.Resolution{
			State: models.SessionNeedsRefresh,
			Err:   appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load session"),
		}
	case current.AccessValidAt(now):
		return authenticated(current, false)
	default:
		return models.Resolution{State: models.SessionNeedsRefresh, Err: appErrors.Clone(appErrors.ErrServerError, "")}
	}
}

// Verify resolves the session and then asks the credential service whether
// the access token is still accepted. A rejected token is refreshed, joining
// any flight already in progress for the session.
func (s *SessionService) Verify(ctx context.Context, sessionID string, now time.Time) (models.Resolution, bool, error) {
	res := s.Resolve(ctx, sessionID, now)
	if res.Verdict() != models.VerdictAuthenticated {
		return res, false, res.Err
	}

	result, err := s.backend.Verify(ctx, res.Pair.AccessToken)
	if err != nil {
		return res, false, appErrors.FromError(err)
	}

	switch result.Kind {
	case ResultSuccess:
		return res, true, nil
	case ResultUnauthorized:
		stale := res.Pair.AccessToken
		refreshed := s.refresh(ctx, sessionID, now, stale)
		if refreshed.Verdict() == models.VerdictAuthenticated && refreshed.Pair.AccessToken == stale {
			// Joined a flight started without the stale hint; it returned the
			// rejected token unchanged.
			refreshed = s.refresh(ctx, sessionID, now, stale)
		}
		s.metrics.RecordResolution(refreshed.State)
		return refreshed, refreshed.Verdict() == models.VerdictAuthenticated, refreshed.Err
	case ResultServerError:
		return res, false, appErrors.Clone(appErrors.ErrServerError, "")
	default:
		return res, false, nil
	}
}

// Logout removes the session locally and revokes its refresh token in the
// background. The local removal never waits on the credential service.
func (s *SessionService) Logout(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return nil
	}

	pair, getErr := s.store.Get(ctx, sessionID)
	if getErr != nil && !errors.Is(getErr, appErrors.ErrSessionNotFound) {
		s.logger.Warn("failed to load session for logout", logger.Session(sessionID), zap.Error(getErr))
	}

	if err := s.store.Delete(ctx, sessionID); err != nil {
		s.logger.Error("failed to delete session", logger.Session(sessionID), zap.Error(err))
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to delete session")
	}

	if getErr == nil {
		s.revokeAsync(sessionID, pair)
	}
	s.logger.Info("session ended", logger.Session(sessionID))
	return nil
}

// Wait blocks until background revocations have finished.
func (s *SessionService) Wait() {
	s.pending.Wait()
}

func (s *SessionService) revokeAsync(sessionID string, pair models.TokenPair) {
	s.pending.Add(1)
	go func() {
		defer s.pending.Done()

		ctx, cancel := context.WithTimeout(context.Background(), s.config.LogoutTimeout)
		defer cancel()

		result, err := s.backend.Logout(ctx, pair.AccessToken, pair.RefreshToken)
		if err != nil {
			s.logger.Warn("refresh token revocation failed", logger.Session(sessionID), zap.Error(err))
			return
		}
		if result.Kind != ResultSuccess {
			s.logger.Warn("refresh token revocation rejected",
				logger.Session(sessionID),
				zap.Int("status", result.Status),
			)
		}
	}()
}

func (s *SessionService) expire(ctx context.Context, sessionID string) models.Resolution {
	s.logger.Info("session expired", logger.Session(sessionID))
	s.discard(ctx, sessionID)
	return models.Resolution{State: models.SessionUnauthenticated, Expired: true}
}

func (s *SessionService) discard(ctx context.Context, sessionID string) {
	if err := s.store.Delete(ctx, sessionID); err != nil {
		s.logger.Warn("failed to delete session", logger.Session(sessionID), zap.Error(err))
	}
}

// pairFromResult builds a token pair from a token or refresh response. When
// the response carries no refresh token the previous one is kept.
func (s *SessionService) pairFromResult(result CallResult, previous *models.TokenPair, now time.Time) (models.TokenPair, error) {
	var payload dto.CredentialTokenResponse
	if err := result.Decode(&payload); err != nil {
		return models.TokenPair{}, err
	}
	if payload.Access == "" {
		return models.TokenPair{}, errors.New("access token missing from response")
	}

	refresh, refreshExp := payload.Refresh, payload.RefreshExpiresAt
	if refresh == "" {
		if previous == nil {
			return models.TokenPair{}, errors.New("refresh token missing from response")
		}
		refresh = previous.RefreshToken
		if refreshExp == 0 {
			refreshExp = previous.RefreshTokenExpiresAt
		}
	}

	pair := models.TokenPair{
		AccessToken:           payload.Access,
		RefreshToken:          refresh,
		AccessTokenExpiresAt:  tokenExpiry(payload.Access, payload.AccessExpiresAt, now.Add(s.config.AccessTokenLifetime)),
		RefreshTokenExpiresAt: tokenExpiry(refresh, refreshExp, now.Add(s.config.RefreshTokenLifetime)),
	}
	if pair.AccessTokenExpiresAt > pair.RefreshTokenExpiresAt {
		pair.AccessTokenExpiresAt = pair.RefreshTokenExpiresAt
	}
	return pair, nil
}

// tokenExpiry picks the explicit expiry when reported, then the token's own
// exp claim, then the configured fallback. Signatures are not checked; the
// credential service stays the authority on validity.
func tokenExpiry(token string, explicit int64, fallback time.Time) int64 {
	if explicit > 0 {
		return explicit
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err == nil {
		if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
			return exp.Unix()
		}
	}
	return fallback.Unix()
}

func validationMessage(err error) string {
	var fieldErrs validator.ValidationErrors
	if errors.As(err, &fieldErrs) {
		for _, fe := range fieldErrs {
			if fe.Tag() == "required" {
				return appErrors.ErrValidation.Message
			}
		}
		return "a valid email address is required"
	}
	return appErrors.ErrValidation.Message
}

func unauthenticated() models.Resolution {
	return models.Resolution{State: models.SessionUnauthenticated}
}

func authenticated(pair models.TokenPair, refreshed bool) models.Resolution {
	return models.Resolution{State: models.SessionAuthenticated, Pair: &pair, Refreshed: refreshed}
}
