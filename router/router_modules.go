package router

import (
	"context"
	"net/http"

	"emperror.dev/errors"
	"github.com/gin-gonic/gin"

	"github.com/kioskworks/station/modules"
	"github.com/kioskworks/station/router/middleware"
)

// getModules returns every registered module with its current install state.
func getModules(c *gin.Context) {
	manager := middleware.ExtractModuleManager(c)

	installers := manager.List()
	data := make([]ModuleInfo, 0, len(installers))
	for _, installer := range installers {
		state, err := manager.Status(installer.Name())
		if err != nil {
			middleware.CaptureAndAbort(c, err)
			return
		}
		data = append(data, ModuleInfo{
			Name:        installer.Name(),
			Description: installer.Description(),
			Status:      state.Status,
			Message:     state.Message,
			UpdatedAt:   state.UpdatedAt,
		})
	}

	c.JSON(http.StatusOK, ModuleListResponse{Data: data})
}

// postModuleInstall accepts an install request for a module and returns
// immediately; the work happens out-of-band and is observed through the
// status endpoint. Mutual exclusion lives in the manager, so two racing
// requests produce exactly one accepted install.
func postModuleInstall(c *gin.Context) {
	manager := middleware.ExtractModuleManager(c)
	name := c.Param("module")

	if err := manager.StartInstall(name); err != nil {
		switch {
		case errors.Is(err, modules.ErrUnknownModule):
			c.AbortWithStatusJSON(http.StatusNotFound, ErrorResponse{Error: "The requested module does not exist on this machine."})
		case errors.Is(err, modules.ErrInstallInProgress):
			c.AbortWithStatusJSON(http.StatusConflict, ErrorResponse{Error: "An installation for this module is already in progress."})
		case errors.Is(err, modules.ErrAlreadyCompleted):
			c.AbortWithStatusJSON(http.StatusConflict, ErrorResponse{Error: "This module is already installed."})
		case errors.Is(err, modules.ErrAwaitingOperator):
			c.AbortWithStatusJSON(http.StatusConflict, ErrorResponse{Error: "This module is waiting on a reboot or firmware step before anything else can happen."})
		default:
			middleware.CaptureAndAbort(c, err)
		}
		return
	}

	if p := middleware.ExtractProgressPoller(c); p != nil {
		// The request context ends with this response; the watch has to
		// outlive it.
		p.Watch(context.Background(), name)
	}

	c.JSON(http.StatusAccepted, InstallAcceptedResponse{
		Success: true,
		Message: "Installation started, poll the status endpoint for progress.",
	})
}

// getModuleStatus returns the current lifecycle state for one module. This is
// the endpoint panel pollers hit every few seconds while an install runs.
func getModuleStatus(c *gin.Context) {
	manager := middleware.ExtractModuleManager(c)
	name := c.Param("module")

	state, err := manager.Status(name)
	if err != nil {
		if errors.Is(err, modules.ErrUnknownModule) {
			c.AbortWithStatusJSON(http.StatusNotFound, ErrorResponse{Error: "The requested module does not exist on this machine."})
			return
		}
		middleware.CaptureAndAbort(c, err)
		return
	}

	c.JSON(http.StatusOK, ModuleStatusResponse{
		Name:      state.Name,
		Status:    state.Status,
		Message:   state.Message,
		UpdatedAt: state.UpdatedAt,
	})
}

// postModuleReset is the explicit administrative action returning a module to
// pending so it can be installed again.
func postModuleReset(c *gin.Context) {
	manager := middleware.ExtractModuleManager(c)
	name := c.Param("module")

	if err := manager.Reset(name); err != nil {
		switch {
		case errors.Is(err, modules.ErrUnknownModule):
			c.AbortWithStatusJSON(http.StatusNotFound, ErrorResponse{Error: "The requested module does not exist on this machine."})
		case errors.Is(err, modules.ErrInstallInProgress):
			c.AbortWithStatusJSON(http.StatusConflict, ErrorResponse{Error: "This module cannot be reset while an installation is in progress."})
		default:
			middleware.CaptureAndAbort(c, err)
		}
		return
	}

	c.JSON(http.StatusOK, InstallAcceptedResponse{Success: true, Message: "Module returned to pending."})
}
