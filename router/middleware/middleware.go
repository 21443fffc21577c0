package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"emperror.dev/errors"
	"github.com/apex/log"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/kioskworks/station/config"
	"github.com/kioskworks/station/modules"
	"github.com/kioskworks/station/poller"
)

// RequestError wraps an error that occurred while handling a request together
// with the request id, so the operator-visible response can be correlated
// with the daemon log without leaking internals.
type RequestError struct {
	err error
	id  string
}

func (e *RequestError) Error() string {
	return e.err.Error()
}

// AttachRequestID generates a unique id for the request and attaches it to
// the context and the response headers.
func AttachRequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := uuid.New().String()
		c.Set("request_id", id)
		c.Set("logger", log.WithField("request_id", id))
		c.Header("X-Request-Id", id)
		c.Next()
	}
}

// CaptureErrors converts errors attached to the context during the request
// lifecycle into a JSON error response. Unhandled errors become an opaque 500
// carrying only the request id.
func CaptureErrors() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		err := c.Errors.Last()
		if err == nil || err.Err == nil {
			return
		}
		if c.Writer.Written() {
			return
		}

		ExtractLogger(c).WithField("error", err.Err).Error("error while handling HTTP request")
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error":      "An unexpected error was encountered while processing this request.",
			"request_id": c.GetString("request_id"),
		})
	}
}

// CaptureAndAbort aborts the request and attaches the provided error to the
// gin context for CaptureErrors to render.
func CaptureAndAbort(c *gin.Context, err error) {
	c.Abort()
	_ = c.Error(errors.WithStackDepthIf(err, 1))
}

// RequireAuthorization authenticates requests against the daemon token from
// the configuration file. The comparison is constant time; the token is the
// only thing standing between the panel network and the install actions.
func RequireAuthorization() gin.HandlerFunc {
	return func(c *gin.Context) {
		auth := strings.SplitN(c.GetHeader("Authorization"), " ", 2)
		if len(auth) != 2 || auth[0] != "Bearer" {
			c.Header("WWW-Authenticate", "Bearer")
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "The required authorization heads were not present in the request.",
			})
			return
		}

		token := config.Get().AuthenticationToken
		if token == "" || subtle.ConstantTimeCompare([]byte(auth[1]), []byte(token)) != 1 {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error": "You are not authorized to access this endpoint.",
			})
			return
		}
		c.Next()
	}
}

// AttachModuleManager attaches the module manager to the request context.
func AttachModuleManager(m *modules.Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Set("module_manager", m)
		c.Next()
	}
}

// ExtractModuleManager returns the module manager attached to the request.
func ExtractModuleManager(c *gin.Context) *modules.Manager {
	v, ok := c.Get("module_manager")
	if !ok {
		panic("middleware: cannot extract module manager: not attached to context")
	}
	return v.(*modules.Manager)
}

// AttachProgressPoller attaches the install progress poller so the install
// endpoint can start a watch for each accepted request.
func AttachProgressPoller(p *poller.Poller) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Set("progress_poller", p)
		c.Next()
	}
}

// ExtractProgressPoller returns the attached progress poller, or nil when the
// daemon runs without one.
func ExtractProgressPoller(c *gin.Context) *poller.Poller {
	if v, ok := c.Get("progress_poller"); ok {
		return v.(*poller.Poller)
	}
	return nil
}

// ExtractLogger returns the request-scoped logger.
func ExtractLogger(c *gin.Context) *log.Entry {
	v, ok := c.Get("logger")
	if !ok {
		return log.WithField("request_id", "")
	}
	return v.(*log.Entry)
}
