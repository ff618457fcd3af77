package chat

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/go-playground/validator/v10/non-standard/validators"
	"github.com/suPer8Hu/chat-relay/internal/apperr"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	// report json names so field errors match the request body
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		if name == "" {
			return f.Name
		}
		return name
	})
	if err := v.RegisterValidation("notblank", validators.NotBlank); err != nil {
		panic(err)
	}
	return v
}

// Validate checks s against its validate tags and returns a
// field-tagged validation error.
func Validate(s any) error {
	err := validate.Struct(s)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return apperr.Wrap(apperr.KindValidation, "invalid request", err)
	}

	fields := make([]apperr.FieldError, 0, len(verrs))
	for _, fe := range verrs {
		fields = append(fields, apperr.FieldError{Field: fe.Field(), Message: fieldMessage(fe)})
	}
	return apperr.Validation(summary(fields), fields...)
}

func summary(fields []apperr.FieldError) string {
	if len(fields) == 1 {
		return fields[0].Message
	}
	return fmt.Sprintf("%s (and %d more)", fields[0].Message, len(fields)-1)
}

var rangeLimits = map[string][2]string{
	"temperature": {"0", "1"},
	"maxTokens":   {"1", "100000"},
}

func fieldMessage(fe validator.FieldError) string {
	name := fe.Field()
	if lim, ok := rangeLimits[name]; ok && (fe.Tag() == "gte" || fe.Tag() == "lte") {
		return fmt.Sprintf("%s must be between %s and %s", name, lim[0], lim[1])
	}
	switch fe.Tag() {
	case "required":
		return name + " is required"
	case "notblank":
		return name + " must not be blank"
	case "max":
		return fmt.Sprintf("%s must be at most %s characters", name, fe.Param())
	case "min":
		return fmt.Sprintf("%s must be at least %s characters", name, fe.Param())
	case "gte":
		return fmt.Sprintf("%s must be at least %s", name, fe.Param())
	case "lte":
		return fmt.Sprintf("%s must be at most %s", name, fe.Param())
	case "oneof":
		return fmt.Sprintf("%s must be one of [%s]", name, fe.Param())
	case "email":
		return name + " must be a valid email address"
	case "url":
		return name + " must be a valid URL"
	default:
		return fmt.Sprintf("%s is invalid", name)
	}
}

// TurnInput is one chat turn as sent by the client.
type TurnInput struct {
	SessionID   string   `json:"sessionId" validate:"required,notblank"`
	Message     string   `json:"message" validate:"required,notblank,max=10000"`
	Model       string   `json:"model" validate:"required,notblank"`
	Temperature *float64 `json:"temperature" validate:"omitempty,gte=0,lte=1"`
	MaxTokens   *int     `json:"maxTokens" validate:"omitempty,gte=1,lte=100000"`
}

type SessionInput struct {
	Title        string   `json:"title" validate:"required,notblank,max=200"`
	Model        string   `json:"model" validate:"omitempty,max=128"`
	SystemPrompt string   `json:"systemPrompt" validate:"max=10000"`
	Temperature  *float64 `json:"temperature" validate:"omitempty,gte=0,lte=1"`
	MaxTokens    *int     `json:"maxTokens" validate:"omitempty,gte=1,lte=100000"`
}

type SessionPatch struct {
	Title        *string  `json:"title" validate:"omitempty,notblank,max=200"`
	Model        *string  `json:"model" validate:"omitempty,notblank,max=128"`
	SystemPrompt *string  `json:"systemPrompt" validate:"omitempty,max=10000"`
	Temperature  *float64 `json:"temperature" validate:"omitempty,gte=0,lte=1"`
	MaxTokens    *int     `json:"maxTokens" validate:"omitempty,gte=1,lte=100000"`
	IsArchived   *bool    `json:"isArchived"`
}

type MessagePatch struct {
	Content string `json:"content" validate:"required,notblank,max=10000"`
}

type ProfilePatch struct {
	DisplayName *string        `json:"displayName" validate:"omitempty,max=100"`
	Email       *string        `json:"email" validate:"omitempty,email"`
	Avatar      *string        `json:"avatar" validate:"omitempty,url,max=2048"`
	Preferences map[string]any `json:"preferences"`
}
