package ai

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/suPer8Hu/chat-relay/internal/apperr"
)

// ProviderError is a failure reported by the model API itself.
type ProviderError struct {
	Code    string
	Message string
	Status  int
}

func (e *ProviderError) Error() string {
	switch {
	case e.Code != "" && e.Message != "":
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	case e.Message != "":
		return e.Message
	case e.Code != "":
		return e.Code
	default:
		return fmt.Sprintf("model API status %d", e.Status)
	}
}

var providerErrorKinds = map[string]apperr.Kind{
	"ThrottlingException":           apperr.KindRateLimit,
	"TooManyRequestsException":      apperr.KindRateLimit,
	"ServiceQuotaExceededException": apperr.KindRateLimit,

	"UnauthorizedOperation":       apperr.KindAuthentication,
	"AccessDenied":                apperr.KindAuthentication,
	"AccessDeniedException":       apperr.KindAuthentication,
	"UnrecognizedClientException": apperr.KindAuthentication,

	"ValidationException":       apperr.KindModel,
	"ModelStreamErrorException": apperr.KindModel,
	"ModelErrorException":       apperr.KindModel,
	"ModelNotReadyException":    apperr.KindModel,
	"ModelTimeoutException":     apperr.KindModel,
}

var statusKinds = map[int]apperr.Kind{
	http.StatusTooManyRequests: apperr.KindRateLimit,
	http.StatusUnauthorized:    apperr.KindAuthentication,
	http.StatusForbidden:       apperr.KindAuthentication,
}

var kindMessages = map[apperr.Kind]string{
	apperr.KindRateLimit:      "Rate limit exceeded. Please try again later.",
	apperr.KindAuthentication: "Model API rejected the request credentials.",
}

// TranslateError maps a model API failure onto the error taxonomy. Errors
// already in the taxonomy and context cancellation pass through unchanged.
func TranslateError(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := apperr.As(err); ok {
		return err
	}
	if errors.Is(err, context.Canceled) {
		return err
	}

	var pe *ProviderError
	if !errors.As(err, &pe) {
		return apperr.Wrap(apperr.KindUpstream, "model request failed", err)
	}

	kind, ok := providerErrorKinds[pe.Code]
	if !ok && pe.Code == "" {
		kind, ok = statusKinds[pe.Status]
	}
	if !ok {
		kind = apperr.KindUpstream
	}

	msg := pe.Message
	if fixed, ok := kindMessages[kind]; ok {
		msg = fixed
	} else if msg == "" {
		msg = pe.Error()
	}
	return &apperr.Error{
		Kind:           kind,
		Message:        msg,
		UpstreamCode:   pe.Code,
		UpstreamStatus: pe.Status,
		Err:            pe,
	}
}
