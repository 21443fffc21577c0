package router

import (
	"emperror.dev/errors"
	"github.com/apex/log"
	"github.com/gin-gonic/gin"

	"github.com/kioskworks/station/config"
	"github.com/kioskworks/station/modules"
	"github.com/kioskworks/station/poller"
	"github.com/kioskworks/station/router/middleware"
)

// Configure configures the routing infrastructure for this daemon instance.
// The poller may be nil; with one attached, every accepted install request
// also starts a progress watch on the module.
func Configure(m *modules.Manager, p *poller.Poller) *gin.Engine {
	gin.SetMode("release")

	router := gin.New()
	router.Use(gin.Recovery())
	if err := router.SetTrustedProxies(config.Get().Api.TrustedProxies); err != nil {
		panic(errors.WithStack(err))
	}
	router.Use(middleware.AttachRequestID(), middleware.CaptureErrors())
	router.Use(middleware.AttachModuleManager(m))
	if p != nil {
		router.Use(middleware.AttachProgressPoller(p))
	}

	// Request logging is debug-only; the panel pollers hit the status
	// endpoints every few seconds and would drown production logs.
	router.Use(gin.LoggerWithFormatter(func(params gin.LogFormatterParams) string {
		log.WithFields(log.Fields{
			"client_ip":  params.ClientIP,
			"status":     params.StatusCode,
			"latency":    params.Latency,
			"request_id": params.Keys["request_id"],
		}).Debugf("%s %s", params.Method, params.Path)

		return ""
	}))

	// All the routes on this daemon use an authorization middleware and are
	// not accessible without the correct Authorization header provided.
	protected := router.Group("")
	protected.Use(middleware.RequireAuthorization())

	protected.GET("/api/system", getSystemInformation)
	protected.GET("/api/system/utilization", getSystemUtilization)
	protected.GET("/api/system/ips", getSystemIps)

	protected.GET("/api/modules", getModules)
	module := protected.Group("/api/modules/:module")
	{
		module.POST("/install", postModuleInstall)
		module.GET("/status", getModuleStatus)
		module.POST("/reset", postModuleReset)
	}

	protected.GET("/api/setup/status", getSetupStatus)
	protected.POST("/api/setup/complete", postSetupComplete)

	return router
}
