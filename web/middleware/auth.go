package middleware

import (
	"context"
	"net/http"
	"strings"

	"candy-panel/web/entity"
	"candy-panel/web/locale"
	"candy-panel/web/session"

	"github.com/gin-gonic/gin"
)

// AuthSourceKey names how the request was authenticated ("session" or "token:<name>").
const AuthSourceKey = "auth_source"

type tokenMatcher interface {
	MatchAPIToken(ctx context.Context, candidate string) (string, bool)
}

// SessionAuth admits requests with a logged-in session. When tokens is non-nil
// a Bearer API token is accepted as well.
func SessionAuth(tokens tokenMatcher) gin.HandlerFunc {
	return func(c *gin.Context) {
		if session.IsLogin(c) {
			c.Set(AuthSourceKey, "session")
			c.Next()
			return
		}
		if tokens != nil {
			if auth := c.GetHeader("Authorization"); strings.HasPrefix(auth, "Bearer ") {
				if name, ok := tokens.MatchAPIToken(c.Request.Context(), strings.TrimPrefix(auth, "Bearer ")); ok {
					c.Set(AuthSourceKey, "token:"+name)
					c.Next()
					return
				}
			}
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, entity.Msg{
			Success: false,
			Msg:     locale.I18n(locale.FromContext(c), "unauthorized"),
		})
	}
}
