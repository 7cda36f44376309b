package controller

import (
	"errors"
	"net/http"
	"strconv"

	"candy-panel/internal/fleeterr"
	"candy-panel/logger"
	"candy-panel/web/entity"
	"candy-panel/web/locale"

	"github.com/gin-gonic/gin"
)

// getRemoteIp returns the client address as resolved through the trusted proxies.
func getRemoteIp(c *gin.Context) string {
	return c.ClientIP()
}

// I18nWeb localizes key for the request language.
func I18nWeb(c *gin.Context, key string, params ...string) string {
	return locale.I18n(locale.FromContext(c), key, params...)
}

// jsonMsg sends a JSON response with a message and error status.
func jsonMsg(c *gin.Context, msg string, err error) {
	jsonMsgObj(c, msg, nil, err)
}

// jsonObj sends a JSON response with an object and error status.
func jsonObj(c *gin.Context, obj any, err error) {
	jsonMsgObj(c, "", obj, err)
}

// jsonMsgObj sends a JSON response with a message, object, and error status.
func jsonMsgObj(c *gin.Context, msg string, obj any, err error) {
	m := entity.Msg{
		Obj: obj,
	}
	if err == nil {
		m.Success = true
		if msg != "" {
			m.Msg = msg
		}
	} else {
		m.Success = false
		m.Msg = msg + " (" + fleeterr.Message(err) + ")"
		logger.Warning(msg+" "+I18nWeb(c, "fail")+": ", err)
	}
	c.JSON(http.StatusOK, m)
}

// statusMsgObj answers with the HTTP status implied by err.
func statusMsgObj(c *gin.Context, msg string, obj any, err error) {
	if err == nil {
		c.JSON(http.StatusOK, entity.Msg{Success: true, Msg: msg, Obj: obj})
		return
	}
	status := fleeterr.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		logger.Warning(msg+" "+I18nWeb(c, "fail")+": ", err)
	}
	c.JSON(status, entity.Msg{
		Success: false,
		Msg:     fleeterr.Message(err),
		Obj:     gin.H{"kind": fleeterr.KindOf(err), "retryable": retryable(err)},
	})
}

func retryable(err error) bool {
	var fe *fleeterr.Error
	return errors.As(err, &fe) && fe.Retryable()
}

// pureJsonMsg sends a pure JSON message response with custom status code.
func pureJsonMsg(c *gin.Context, statusCode int, success bool, msg string) {
	c.JSON(statusCode, entity.Msg{
		Success: success,
		Msg:     msg,
	})
}

// parseID reads a positive numeric path parameter.
func parseID(c *gin.Context, name string) (uint, error) {
	raw := c.Param(name)
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil || id == 0 {
		return 0, fleeterr.Validation("parse "+name, "invalid id %q", raw)
	}
	return uint(id), nil
}
