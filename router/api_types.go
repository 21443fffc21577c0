package router

import (
	"time"

	"github.com/kioskworks/station/modules"
)

// ErrorResponse represents the common error payload returned by the API.
type ErrorResponse struct {
	Error     string `json:"error"`
	RequestID string `json:"request_id,omitempty"`
}

// ModuleInfo represents module information in API responses.
type ModuleInfo struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Status      modules.Status `json:"status"`
	Message     string         `json:"message,omitempty"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// ModuleListResponse contains a list of modules.
type ModuleListResponse struct {
	Data []ModuleInfo `json:"data"`
}

// ModuleStatusResponse is the polled per-module lifecycle state.
type ModuleStatusResponse struct {
	Name      string         `json:"name"`
	Status    modules.Status `json:"status"`
	Message   string         `json:"message"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// InstallAcceptedResponse acknowledges an accepted install request; the
// caller must poll the status endpoint for the outcome.
type InstallAcceptedResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// SetupStatusResponse is the aggregate provisioning progress shown by the
// panel.
type SetupStatusResponse struct {
	Progress         float64  `json:"progress"`
	CompletedModules int      `json:"completed_modules"`
	TotalModules     int      `json:"total_modules"`
	Complete         bool     `json:"complete"`
	Installing       []string `json:"installing"`
}

// SetupCompleteResponse conveys the outcome of the finish-provisioning
// action.
type SetupCompleteResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}
