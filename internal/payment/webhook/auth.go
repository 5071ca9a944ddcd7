package webhook

import (
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"net/http"
	"strings"

	paymentdomain "github.com/smallbiznis/payrelay/internal/payment/domain"
	"golang.org/x/crypto/bcrypt"
)

const sellerTokenHeader = "x-seller-token"

var (
	ErrModuleDisabled        = errors.New("module_disabled")
	ErrInvalidMethod         = errors.New("invalid_http_method")
	ErrNotificationsDisabled = errors.New("notifications_disabled")
	ErrAuthenticationFailed  = errors.New("authentication_failed")
)

// AuthError is returned by the notification gates. Status is the HTTP status
// the caller must answer with.
type AuthError struct {
	Status  int
	Message string
	Reason  error
}

func (e *AuthError) Error() string { return e.Reason.Error() }

func (e *AuthError) Unwrap() error { return e.Reason }

var (
	errModuleDisabled = &AuthError{Status: http.StatusBadRequest, Message: "Module disabled", Reason: ErrModuleDisabled}
	errInvalidMethod  = &AuthError{Status: http.StatusBadRequest, Message: "Invalid HTTP Method", Reason: ErrInvalidMethod}
	errDisabled       = &AuthError{Status: http.StatusForbidden, Message: "Notifications disabled", Reason: ErrNotificationsDisabled}
	errAuthFailed     = &AuthError{Status: http.StatusForbidden, Message: "Authentication failed", Reason: ErrAuthenticationFailed}
)

// Authenticator decides whether a notification may be processed at all.
type Authenticator struct {
	settings paymentdomain.Settings
}

func NewAuthenticator(settings paymentdomain.Settings) *Authenticator {
	return &Authenticator{settings: settings}
}

// Validate runs the gates in order and stops at the first failure. It never
// looks at the request body.
func (a *Authenticator) Validate(method string, headers http.Header) error {
	if !a.settings.Enabled() {
		return errModuleDisabled
	}
	if !strings.EqualFold(method, http.MethodPost) {
		return errInvalidMethod
	}
	if !a.settings.NotificationsEnabled() {
		return errDisabled
	}
	if !a.authenticated(headers) {
		return errAuthFailed
	}
	return nil
}

func (a *Authenticator) authenticated(headers http.Header) bool {
	if expected := strings.TrimSpace(a.settings.SellerToken()); expected != "" {
		got := strings.TrimSpace(headers.Get(sellerTokenHeader))
		if got != "" && subtle.ConstantTimeCompare([]byte(got), []byte(expected)) == 1 {
			return true
		}
	}

	username, hash := a.settings.BasicAuth()
	if hash == "" {
		return false
	}
	user, pass, ok := parseBasicAuth(headers.Get("Authorization"))
	if !ok {
		return false
	}
	if subtle.ConstantTimeCompare([]byte(user), []byte(username)) != 1 {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(pass)) == nil
}

func parseBasicAuth(header string) (string, string, bool) {
	const prefix = "basic "
	if len(header) < len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return "", "", false
	}
	decoded, err := base64.StdEncoding.DecodeString(strings.TrimSpace(header[len(prefix):]))
	if err != nil {
		return "", "", false
	}
	user, pass, ok := strings.Cut(string(decoded), ":")
	if !ok {
		return "", "", false
	}
	return user, pass, true
}
