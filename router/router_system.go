package router

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/patrickmn/go-cache"

	"github.com/kioskworks/station/router/middleware"
	"github.com/kioskworks/station/system"
)

// Static system information changes only on reboot, and the panel header
// requests it on every page load; cache it briefly instead of shelling back
// into gopsutil each time.
var infoCache = cache.New(time.Minute, time.Minute*5)

// getSystemInformation returns hardware and OS details for the panel header
// and for authority-side diagnostics.
func getSystemInformation(c *gin.Context) {
	if cached, ok := infoCache.Get("information"); ok {
		c.JSON(http.StatusOK, cached.(*system.Information))
		return
	}

	info, err := system.GetSystemInformation(c.Request.Context())
	if err != nil {
		middleware.CaptureAndAbort(c, err)
		return
	}
	infoCache.Set("information", info, cache.DefaultExpiration)

	c.JSON(http.StatusOK, info)
}

// getSystemUtilization returns live CPU, memory and load figures.
func getSystemUtilization(c *gin.Context) {
	u, err := system.GetSystemUtilization(c.Request.Context())
	if err != nil {
		middleware.CaptureAndAbort(c, err)
		return
	}
	c.JSON(http.StatusOK, u)
}

// getSystemIps returns the machine's non-loopback addresses, mesh included.
func getSystemIps(c *gin.Context) {
	ips, err := system.GetSystemIps()
	if err != nil {
		middleware.CaptureAndAbort(c, err)
		return
	}
	c.JSON(http.StatusOK, system.IpAddresses{IpAddresses: ips})
}
