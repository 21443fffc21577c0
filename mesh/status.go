package mesh

import (
	"strings"

	"github.com/goccy/go-json"

	"emperror.dev/errors"
)

// Status is the subset of the mesh client's `status --json` output the
// connector makes decisions on. Everything else the client reports is
// irrelevant for idempotence checks and left undecoded.
type Status struct {
	// BackendState is the client daemon state, e.g. "Running", "Stopped",
	// "NeedsLogin".
	BackendState string `json:"BackendState"`

	// ControlURL is the control server this machine is currently logged
	// in to.
	ControlURL string `json:"ControlURL"`

	Self struct {
		// HostName is the live device name as known by the control server.
		// The mesh layer may lowercase and fully qualify it.
		HostName string `json:"HostName"`
		Online   bool   `json:"Online"`
	} `json:"Self"`
}

// ParseStatus decodes the mesh client's JSON status output.
func ParseStatus(b []byte) (Status, error) {
	var s Status
	if err := json.Unmarshal(b, &s); err != nil {
		return Status{}, errors.WithMessage(err, "mesh: failed to decode client status output")
	}
	return s, nil
}

// Connected reports whether the client is an active member of the mesh under
// the given control server.
func (s Status) Connected(controlURL string) bool {
	return s.BackendState == "Running" && sameControlServer(s.ControlURL, controlURL)
}

// NameMatches compares the live device name to the requested hostname. The
// control server lowercases names and may return them fully qualified, so
// only the first label is compared, case-insensitively.
func (s Status) NameMatches(hostname string) bool {
	live, _, _ := strings.Cut(s.Self.HostName, ".")
	return strings.EqualFold(live, hostname)
}

func sameControlServer(a, b string) bool {
	trim := func(v string) string {
		return strings.TrimSuffix(strings.TrimSpace(v), "/")
	}
	return strings.EqualFold(trim(a), trim(b))
}
