// Package session wraps the cookie session used for the admin login and the
// per-browser view identity.
package session

import (
	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const (
	loginUserKey = "LOGIN_USER"
	viewIDKey    = "VIEW_ID"
)

// SetLoginUser stores the logged-in user and assigns a fresh view id.
func SetLoginUser(c *gin.Context, user string) error {
	s := sessions.Default(c)
	s.Set(loginUserKey, user)
	s.Set(viewIDKey, uuid.NewString())
	return s.Save()
}

func GetLoginUser(c *gin.Context) string {
	s := sessions.Default(c)
	if user, ok := s.Get(loginUserKey).(string); ok {
		return user
	}
	return ""
}

func IsLogin(c *gin.Context) bool {
	return GetLoginUser(c) != ""
}

// ViewID returns the id the poller uses for this session's views, creating it
// when missing.
func ViewID(c *gin.Context) string {
	s := sessions.Default(c)
	if id, ok := s.Get(viewIDKey).(string); ok && id != "" {
		return id
	}
	id := uuid.NewString()
	s.Set(viewIDKey, id)
	_ = s.Save()
	return id
}

// ClearSession drops the login and returns the view id it carried.
func ClearSession(c *gin.Context) (string, error) {
	s := sessions.Default(c)
	viewID, _ := s.Get(viewIDKey).(string)
	s.Clear()
	s.Options(sessions.Options{Path: "/", MaxAge: -1, HttpOnly: true})
	return viewID, s.Save()
}
