package gcpadapter

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"golang.org/x/oauth2"

	"github.com/safeops-dev/safeops/internal/cloud"
	"github.com/safeops-dev/safeops/internal/core"
)

// statusError is a non-2xx REST response.
type statusError struct {
	Code int
	Body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("gcp api returned %d", e.Code)
}

// classify maps a REST or transport failure onto the taxonomy.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var ce *cloud.Error
	if errors.As(err, &ce) {
		return err
	}

	kind := cloud.KindProviderUnavailable
	var se *statusError
	var re *oauth2.RetrieveError
	switch {
	case errors.As(err, &re):
		return classifyTokenError(op, err)
	case errors.As(err, &se):
		switch {
		case se.Code == http.StatusUnauthorized:
			kind = cloud.KindCredentialExpired
		case se.Code == http.StatusForbidden && strings.Contains(strings.ToLower(se.Body), "billing"):
			kind = cloud.KindBillingDisabled
		case se.Code == http.StatusForbidden:
			kind = cloud.KindAuthFailed
		}
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		kind = cloud.KindProviderUnavailable
	}
	return cloud.NewError(kind, core.ProviderGCP, op, err)
}

// classifyTokenError maps a token endpoint failure. A rejected grant means the
// stored refresh token or key is no longer valid.
func classifyTokenError(op string, err error) error {
	kind := cloud.KindProviderUnavailable
	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		switch {
		case re.ErrorCode == "invalid_grant":
			kind = cloud.KindCredentialExpired
		case re.Response != nil && re.Response.StatusCode >= 400 && re.Response.StatusCode < 500:
			kind = cloud.KindAuthFailed
		}
	}
	return cloud.NewError(kind, core.ProviderGCP, op, err)
}
