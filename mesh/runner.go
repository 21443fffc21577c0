package mesh

import (
	"context"
	"os/exec"
	"strings"

	"emperror.dev/errors"
	"github.com/apex/log"
)

// Runner executes the external mesh VPN client. It exists as an interface so
// the connector's decision logic can be tested without a client binary or a
// control server.
type Runner interface {
	Run(ctx context.Context, args ...string) ([]byte, error)
}

type execRunner struct {
	binary string
}

// NewRunner returns a Runner that shells out to the configured mesh client
// binary.
func NewRunner(binary string) Runner {
	return &execRunner{binary: binary}
}

func (r *execRunner) Run(ctx context.Context, args ...string) ([]byte, error) {
	log.WithFields(log.Fields{
		"binary": r.binary,
		"args":   strings.Join(redactArgs(args), " "),
	}).Debug("executing mesh client")

	out, err := exec.CommandContext(ctx, r.binary, args...).CombinedOutput()
	if err != nil {
		return out, errors.WithMessagef(err, "mesh: client invocation failed: %s", strings.TrimSpace(string(out)))
	}
	return out, nil
}

// redactArgs keeps enrollment credentials out of the debug log.
func redactArgs(args []string) []string {
	redacted := make([]string, len(args))
	copy(redacted, args)
	for i, a := range redacted {
		if strings.HasPrefix(a, "--auth-key=") {
			redacted[i] = "--auth-key=<redacted>"
		}
	}
	return redacted
}
