package handler

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"go.uber.org/zap"

	"github.com/noah-isme/session-gateway/internal/dto"
	"github.com/noah-isme/session-gateway/internal/middleware"
	"github.com/noah-isme/session-gateway/internal/models"
	"github.com/noah-isme/session-gateway/pkg/config"
	appErrors "github.com/noah-isme/session-gateway/pkg/errors"
	"github.com/noah-isme/session-gateway/pkg/logger"
	"github.com/noah-isme/session-gateway/pkg/response"
	"github.com/noah-isme/session-gateway/pkg/sessioncookie"
)

type sessionManager interface {
	Login(ctx context.Context, req models.LoginRequest, now time.Time) (string, models.TokenPair, error)
	Logout(ctx context.Context, sessionID string) error
	Resolve(ctx context.Context, sessionID string, now time.Time) models.Resolution
	Verify(ctx context.Context, sessionID string, now time.Time) (models.Resolution, bool, error)
}

// AuthHandler wires the login form, logout and session endpoints to the
// session service.
type AuthHandler struct {
	sessions sessionManager
	cookies  *sessioncookie.Adapter
	routes   config.RouteConfig
	auth     config.AuthConfig
	logger   *zap.Logger
}

// NewAuthHandler creates a new handler.
func NewAuthHandler(sessions sessionManager, cookies *sessioncookie.Adapter, routes config.RouteConfig, auth config.AuthConfig, l *zap.Logger) *AuthHandler {
	if l == nil {
		l = zap.NewNop()
	}
	return &AuthHandler{sessions: sessions, cookies: cookies, routes: routes, auth: auth, logger: l}
}

// Login godoc
// @Summary Log in with email and password
// @Description Exchanges credentials for a session cookie. Form posts are redirected, JSON callers get the landing path.
// @Tags Authentication
// @Accept json,x-www-form-urlencoded
// @Produce json
// @Param payload body models.LoginRequest true "Login payload"
// @Success 200 {object} response.Envelope{data=dto.LoginResponse}
// @Success 303 "Redirect to the landing page"
// @Failure 400 {object} response.Envelope
// @Failure 401 {object} response.Envelope
// @Failure 503 {object} response.Envelope
// @Router /api/auth/login [post]
func (h *AuthHandler) Login(c *gin.Context) {
	form := isFormPost(c)

	if !h.auth.Enabled(config.ProviderCredentials) {
		h.fail(c, appErrors.ErrProviderDisabled, form)
		return
	}

	var req models.LoginRequest
	if err := c.ShouldBind(&req); err != nil {
		h.fail(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid login payload"), form)
		return
	}
	req.IP = c.ClientIP()
	req.UserAgent = c.GetHeader("User-Agent")

	previous, hadPrevious := h.cookies.Read(c.Request)

	sessionID, pair, err := h.sessions.Login(c.Request.Context(), req, time.Now())
	if err != nil {
		h.fail(c, err, form)
		return
	}

	if hadPrevious && previous != sessionID {
		if err := h.sessions.Logout(c.Request.Context(), previous); err != nil {
			h.logger.Warn("failed to end previous session", logger.Session(previous), zap.Error(err))
		}
	}
	h.cookies.Write(c.Writer, sessionID)

	if form {
		response.Redirect(c, http.StatusSeeOther, h.routes.DefaultLandingPath)
		return
	}
	response.JSON(c, http.StatusOK, dto.LoginResponse{
		RedirectTo:           h.routes.DefaultLandingPath,
		AccessTokenExpiresAt: pair.AccessTokenExpiresAt,
	})
}

// Logout godoc
// @Summary Log out
// @Description Ends the current session and clears the session cookie. Refresh token revocation happens in the background.
// @Tags Authentication
// @Produce json
// @Success 204 "Logged out"
// @Success 303 "Redirect to the login page"
// @Router /api/auth/logout [post]
func (h *AuthHandler) Logout(c *gin.Context) {
	var logoutErr error
	if sessionID, ok := h.cookies.Read(c.Request); ok {
		logoutErr = h.sessions.Logout(c.Request.Context(), sessionID)
	}
	h.cookies.Clear(c.Writer)

	if isFormPost(c) {
		response.Redirect(c, http.StatusSeeOther, h.routes.LoginPath)
		return
	}
	if logoutErr != nil {
		response.Error(c, logoutErr)
		return
	}
	response.NoContent(c)
}

// Session godoc
// @Summary Describe the current session
// @Description Resolves the session cookie, refreshing tokens when needed. Pass verify=true to confirm the access token with the credential service.
// @Tags Authentication
// @Produce json
// @Param verify query bool false "Verify the access token remotely"
// @Success 200 {object} response.Envelope{data=dto.SessionResponse}
// @Failure 502 {object} response.Envelope
// @Failure 503 {object} response.Envelope
// @Router /api/auth/session [get]
func (h *AuthHandler) Session(c *gin.Context) {
	sessionID, ok := h.cookies.Read(c.Request)
	if !ok {
		response.JSON(c, http.StatusOK, dto.SessionResponse{State: string(models.SessionUnauthenticated)})
		return
	}

	var (
		res      models.Resolution
		verified *bool
	)
	if c.Query("verify") == "true" {
		r, ok, err := h.sessions.Verify(c.Request.Context(), sessionID, time.Now())
		if err != nil {
			response.Error(c, err)
			return
		}
		res, verified = r, &ok
	} else {
		res = h.sessions.Resolve(c.Request.Context(), sessionID, time.Now())
		if res.Err != nil {
			response.Error(c, res.Err)
			return
		}
	}

	if res.Verdict() == models.VerdictUnauthenticated {
		h.cookies.Clear(c.Writer)
	}
	response.JSON(c, http.StatusOK, sessionResponse(res, verified))
}

// Page returns a handler rendering a placeholder page. The route guard has
// already decided the caller may see it.
func (h *AuthHandler) Page(name string) gin.HandlerFunc {
	return func(c *gin.Context) {
		res, _ := middleware.SessionFromContext(c)
		response.JSON(c, http.StatusOK, dto.PageResponse{
			Page:          name,
			Authenticated: res.Verdict() == models.VerdictAuthenticated,
		})
	}
}

// fail reports err as an envelope, or for form posts sends the browser back
// to the login page with the error code in the query string.
func (h *AuthHandler) fail(c *gin.Context, err error, form bool) {
	if !form {
		response.Error(c, err)
		return
	}
	appErr := appErrors.FromError(err)
	target := h.routes.LoginPath + "?error=" + url.QueryEscape(strings.ToLower(appErr.Code))
	response.Redirect(c, http.StatusSeeOther, target)
}

func isFormPost(c *gin.Context) bool {
	switch c.ContentType() {
	case binding.MIMEPOSTForm, binding.MIMEMultipartPOSTForm:
		return true
	default:
		return false
	}
}

func sessionResponse(res models.Resolution, verified *bool) dto.SessionResponse {
	out := dto.SessionResponse{
		State:         string(res.State),
		Authenticated: res.Verdict() == models.VerdictAuthenticated,
		Refreshed:     res.Refreshed,
		Verified:      verified,
	}
	if res.Expired {
		out.State = string(models.SessionExpired)
	}
	if res.Pair != nil && out.Authenticated {
		out.AccessTokenExpiresAt = res.Pair.AccessTokenExpiresAt
		out.RefreshTokenExpiresAt = res.Pair.RefreshTokenExpiresAt
	}
	return out
}
