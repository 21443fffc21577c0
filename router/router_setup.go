package router

import (
	"net/http"
	"os"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/kioskworks/station/config"
	"github.com/kioskworks/station/modules"
	"github.com/kioskworks/station/router/middleware"
)

// getSetupStatus returns the aggregate install progress across all modules.
// The page-wide panel poller hits this as a safety net for module installs it
// never saw start, e.g. after a mid-install page reload.
func getSetupStatus(c *gin.Context) {
	manager := middleware.ExtractModuleManager(c)

	progress := manager.Progress()
	var installing []string
	for _, state := range manager.States() {
		if state.Status == modules.StatusInstalling {
			installing = append(installing, state.Name)
		}
	}

	var ratio float64
	if progress.TotalCount > 0 {
		ratio = float64(progress.CompletedCount) / float64(progress.TotalCount)
	}

	c.JSON(http.StatusOK, SetupStatusResponse{
		Progress:         ratio,
		CompletedModules: progress.CompletedCount,
		TotalModules:     progress.TotalCount,
		Complete:         progress.AllComplete,
		Installing:       installing,
	})
}

// postSetupComplete finishes panel-side provisioning. It is refused until
// every module reports completed; the panel disables the action client-side
// as well, but the gate here is the one that counts.
func postSetupComplete(c *gin.Context) {
	manager := middleware.ExtractModuleManager(c)

	progress := manager.Progress()
	if !progress.AllComplete {
		c.AbortWithStatusJSON(http.StatusConflict, ErrorResponse{
			Error: "Setup cannot be completed until every module has finished installing.",
		})
		return
	}

	marker := config.Get().System.GetSetupMarkerPath()
	if err := os.WriteFile(marker, []byte(time.Now().UTC().Format(time.RFC3339)+"\n"), 0o600); err != nil {
		middleware.CaptureAndAbort(c, err)
		return
	}

	middleware.ExtractLogger(c).Info("operator marked kiosk setup as complete")
	c.JSON(http.StatusOK, SetupCompleteResponse{Success: true, Message: "Kiosk setup marked complete."})
}
