package middleware

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/suPer8Hu/chat-relay/internal/apperr"
	"github.com/suPer8Hu/chat-relay/internal/auth"
	"github.com/suPer8Hu/chat-relay/internal/common"
)

const (
	UserIDKey = "user_id"
	EmailKey  = "email"
)

// ProfileEnsurer creates the caller's profile row on first contact.
type ProfileEnsurer interface {
	EnsureProfile(ctx context.Context, userID, email string) error
}

// AuthRequired rejects requests without a valid bearer token before any
// handler runs. profiles may be nil.
func AuthRequired(v *auth.Verifier, profiles ProfileEnsurer) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, err := auth.BearerToken(c.GetHeader("Authorization"))
		if err != nil {
			common.Fail(c, http.StatusUnauthorized, string(apperr.KindAuthentication), apperr.PublicMessage(err))
			return
		}
		id, err := v.Verify(token)
		if err != nil {
			zerolog.Ctx(c.Request.Context()).Debug().Err(err).Msg("token rejected")
			common.Fail(c, http.StatusUnauthorized, string(apperr.KindAuthentication), apperr.PublicMessage(err))
			return
		}

		if profiles != nil {
			if err := profiles.EnsureProfile(c.Request.Context(), id.UserID, id.Email); err != nil {
				zerolog.Ctx(c.Request.Context()).Error().Err(err).Str("user_id", id.UserID).Msg("ensure profile failed")
				common.Fail(c, http.StatusInternalServerError, string(apperr.KindInternal), "internal server error")
				return
			}
		}

		c.Set(UserIDKey, id.UserID)
		c.Set(EmailKey, id.Email)

		l := zerolog.Ctx(c.Request.Context()).With().Str("user_id", id.UserID).Logger()
		c.Request = c.Request.WithContext(l.WithContext(c.Request.Context()))
		c.Next()
	}
}

// UserID returns the authenticated caller set by AuthRequired.
func UserID(c *gin.Context) (string, bool) {
	v, ok := c.Get(UserIDKey)
	if !ok {
		return "", false
	}
	id, ok := v.(string)
	return id, ok && id != ""
}
