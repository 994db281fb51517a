package awsadapter

import (
	"context"
	"errors"

	"github.com/aws/smithy-go"
	"github.com/safeops-dev/safeops/internal/cloud"
	"github.com/safeops-dev/safeops/internal/core"
)

var expiredCodes = map[string]bool{
	"ExpiredToken":          true,
	"ExpiredTokenException": true,
	"RequestExpired":        true,
	"TokenRefreshRequired":  true,
}

var authCodes = map[string]bool{
	"InvalidClientTokenId":        true,
	"UnrecognizedClientException": true,
	"AuthFailure":                 true,
	"SignatureDoesNotMatch":       true,
	"InvalidSignatureException":   true,
	"IncompleteSignature":         true,
	"MissingAuthenticationToken":  true,
	"AccessDenied":                true,
	"AccessDeniedException":       true,
	"UnauthorizedOperation":       true,
}

var billingCodes = map[string]bool{
	"DataUnavailableException":         true,
	"BillingViewHealthStatusException": true,
	"OptInRequired":                    true,
}

// classify maps an SDK failure onto the provider-independent taxonomy.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var ce *cloud.Error
	if errors.As(err, &ce) {
		return err
	}

	kind := cloud.KindProviderUnavailable
	var apiErr smithy.APIError
	switch {
	case errors.As(err, &apiErr):
		code := apiErr.ErrorCode()
		switch {
		case expiredCodes[code]:
			kind = cloud.KindCredentialExpired
		case authCodes[code]:
			kind = cloud.KindAuthFailed
		case billingCodes[code]:
			kind = cloud.KindBillingDisabled
		}
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		kind = cloud.KindProviderUnavailable
	}
	return cloud.NewError(kind, core.ProviderAWS, op, err)
}
