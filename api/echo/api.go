// Package echo exposes the link and passport operations over HTTP. The
// surface is deliberately thin: handlers parse input, call a service, and
// map service errors to status codes. Callers are authenticated upstream;
// the trusted user id arrives in a header.
package echo

import (
	"context"
	stderrors "errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog/log"

	"github.com/DataBiosphere/externalcreds/errors"
	"github.com/DataBiosphere/externalcreds/internal/ga4gh"
	"github.com/DataBiosphere/externalcreds/services"
)

// UserIDHeader carries the authenticated user id, set by the fronting proxy.
const UserIDHeader = "X-User-Id"

// LinkAPI struct to hold dependencies.
type LinkAPI struct {
	links     *services.LinkService
	passports *services.PassportService
	healthy   func(ctx context.Context) error
}

// NewLinkAPI initializes the link API. healthy is the storage health probe
// used by the status endpoint.
func NewLinkAPI(links *services.LinkService, passports *services.PassportService, healthy func(ctx context.Context) error) *LinkAPI {
	return &LinkAPI{
		links:     links,
		passports: passports,
		healthy:   healthy,
	}
}

// RegisterRoutes registers the link and passport routes.
func (a *LinkAPI) RegisterRoutes(e *echo.Echo) {
	e.GET("/api/oauth/v1/:provider/authorization-url", a.AuthorizationURLHandler)
	e.POST("/api/oauth/v1/:provider/oauthcode", a.CreateLinkHandler)
	e.GET("/api/oauth/v1/:provider", a.GetLinkHandler)
	e.DELETE("/api/oauth/v1/:provider", a.DeleteLinkHandler)
	e.POST("/api/oauth/v1/:provider/refresh", a.RefreshLinkHandler)
	e.GET("/api/oauth/v1/:provider/access-token", a.AccessTokenHandler)
	e.GET("/api/oauth/v1/:provider/passport", a.GetPassportHandler)
	e.POST("/api/oauth/v1/:provider/validate", a.RevalidateVisasHandler)
	e.POST("/api/passport/v1/validate", a.ValidatePassportHandler)

	e.GET("/status", a.StatusHandler)
}

func (a *LinkAPI) userID(c echo.Context) (string, error) {
	userID := c.Request().Header.Get(UserIDHeader)
	if userID == "" {
		return "", echo.NewHTTPError(http.StatusUnauthorized, "missing user identity")
	}
	return userID, nil
}

// AuthorizationURLHandler returns the provider authorization URL the caller
// should redirect the browser to.
func (a *LinkAPI) AuthorizationURLHandler(c echo.Context) error {
	userID, err := a.userID(c)
	if err != nil {
		return err
	}
	provider := c.Param("provider")
	redirectURI := c.QueryParam("redirect_uri")
	if redirectURI == "" {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "redirect_uri is required"})
	}

	url, err := a.links.GetAuthorizationURL(c.Request().Context(), userID, provider, redirectURI)
	if err != nil {
		return a.mapError(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"authorization_url": url})
}

// CreateLinkHandler finishes the OAuth2 dance: it redeems the state and
// authorization code from the provider callback and stores the link.
func (a *LinkAPI) CreateLinkHandler(c echo.Context) error {
	userID, err := a.userID(c)
	if err != nil {
		return err
	}

	state := c.QueryParam("state")
	code := c.QueryParam("oauthcode")
	if state == "" || code == "" {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "state and oauthcode are required"})
	}

	account, err := a.links.CreateLink(c.Request().Context(), userID, state, code)
	if err != nil {
		return a.mapError(c, err)
	}
	return c.JSON(http.StatusOK, account)
}

func (a *LinkAPI) GetLinkHandler(c echo.Context) error {
	userID, err := a.userID(c)
	if err != nil {
		return err
	}
	account, err := a.links.GetLink(c.Request().Context(), userID, c.Param("provider"))
	if err != nil {
		return a.mapError(c, err)
	}
	return c.JSON(http.StatusOK, account)
}

func (a *LinkAPI) DeleteLinkHandler(c echo.Context) error {
	userID, err := a.userID(c)
	if err != nil {
		return err
	}
	if err := a.links.DeleteLink(c.Request().Context(), userID, c.Param("provider")); err != nil {
		return a.mapError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (a *LinkAPI) RefreshLinkHandler(c echo.Context) error {
	userID, err := a.userID(c)
	if err != nil {
		return err
	}
	account, err := a.links.RefreshLink(c.Request().Context(), userID, c.Param("provider"))
	if err != nil {
		return a.mapError(c, err)
	}
	return c.JSON(http.StatusOK, account)
}

func (a *LinkAPI) AccessTokenHandler(c echo.Context) error {
	userID, err := a.userID(c)
	if err != nil {
		return err
	}
	token, err := a.links.GetProviderAccessToken(c.Request().Context(), userID, c.Param("provider"))
	if err != nil {
		return a.mapError(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"access_token": token})
}

func (a *LinkAPI) GetPassportHandler(c echo.Context) error {
	userID, err := a.userID(c)
	if err != nil {
		return err
	}
	passport, err := a.passports.GetPassport(c.Request().Context(), userID, c.Param("provider"))
	if err != nil {
		return a.mapError(c, err)
	}
	return c.JSON(http.StatusOK, passport)
}

// RevalidateVisasHandler re-verifies the caller's stored visas against
// current provider keys.
func (a *LinkAPI) RevalidateVisasHandler(c echo.Context) error {
	userID, err := a.userID(c)
	if err != nil {
		return err
	}
	if err := a.links.RevalidateVisas(c.Request().Context(), userID, c.Param("provider")); err != nil {
		return a.mapError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

// ValidatePassportRequest is the body of the passport validation endpoint.
// Criteria are typed by visa_type; unknown types are rejected.
type ValidatePassportRequest struct {
	Passports []string                  `json:"passports"`
	Criteria  []ValidationCriterionBody `json:"criteria"`
}

// ValidationCriterionBody is the wire form of one validation criterion.
type ValidationCriterionBody struct {
	VisaType    string `json:"visa_type"`
	PhsID       string `json:"phs_id"`
	ConsentCode string `json:"consent_code"`
}

func (a *LinkAPI) ValidatePassportHandler(c echo.Context) error {
	var req ValidatePassportRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "malformed request body"})
	}
	if len(req.Passports) == 0 || len(req.Criteria) == 0 {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "passports and criteria are required"})
	}

	criteria := make([]ga4gh.Criterion, 0, len(req.Criteria))
	for _, body := range req.Criteria {
		switch body.VisaType {
		case ga4gh.VisaTypeRASv11:
			criteria = append(criteria, ga4gh.RASv11Criterion{
				PhsID:       body.PhsID,
				ConsentCode: body.ConsentCode,
			})
		default:
			return c.JSON(http.StatusBadRequest, echo.Map{"error": "unsupported criterion visa_type"})
		}
	}

	result, err := a.passports.ValidatePassport(c.Request().Context(), req.Passports, criteria)
	if err != nil {
		return a.mapError(c, err)
	}
	return c.JSON(http.StatusOK, result)
}

// StatusHandler reports service health, backed by the storage probe.
func (a *LinkAPI) StatusHandler(c echo.Context) error {
	if a.healthy != nil {
		if err := a.healthy(c.Request().Context()); err != nil {
			log.Error().Err(err).Msg("Health probe failed")
			return c.JSON(http.StatusServiceUnavailable, echo.Map{"ok": false})
		}
	}
	return c.JSON(http.StatusOK, echo.Map{"ok": true})
}

// mapError translates service errors into HTTP responses without leaking
// internals or untrusted input.
func (a *LinkAPI) mapError(c echo.Context, err error) error {
	var oauthErr *errors.OAuth2Error
	switch {
	case stderrors.Is(err, errors.ErrProviderNotFound),
		stderrors.Is(err, errors.ErrLinkNotFound),
		stderrors.Is(err, errors.ErrPassportNotFound):
		return c.JSON(http.StatusNotFound, echo.Map{"error": err.Error()})
	case stderrors.Is(err, errors.ErrInvalidState),
		stderrors.Is(err, errors.ErrUnsupportedCriterion),
		errors.IsInvalidJWT(err):
		return c.JSON(http.StatusBadRequest, echo.Map{"error": err.Error()})
	case stderrors.Is(err, errors.ErrLinkExpired):
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": err.Error()})
	case stderrors.Is(err, errors.ErrLockAlreadyHeld):
		return c.JSON(http.StatusConflict, echo.Map{"error": "operation already in progress, retry later"})
	case stderrors.As(err, &oauthErr):
		log.Error().Err(err).Msg("Provider exchange failed")
		return c.JSON(http.StatusBadGateway, echo.Map{"error": "provider request failed"})
	default:
		log.Error().Err(err).Msg("Request failed")
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "internal error"})
	}
}
