package modules

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"emperror.dev/errors"
	"github.com/apex/log"
	"github.com/google/uuid"

	"github.com/kioskworks/station/config"
)

const GPUDriverModule = "gpu-driver"

// secureBootSteps is shown verbatim to the operator when a machine-owner-key
// enrollment is queued. The firmware dialog cannot be driven by software, so
// the instructions have to be exact.
const secureBootSteps = `A Secure Boot key enrollment is queued. On the next boot the machine will show a blue "Perform MOK management" screen.
1. Select "Enroll MOK"
2. Select "Continue", then "Yes"
3. When prompted for a password, type: %s
4. Select "Reboot"
The driver will finish loading automatically after that reboot.`

// GPUDriver installs the vendor GPU driver through a distribution-specific
// install script and tracks the reboot and Secure Boot firmware steps the
// kernel module may need before it can load.
type GPUDriver struct {
	script string
	module string

	// Probes are injectable so the decision logic is testable on machines
	// without a GPU, Secure Boot, or mokutil.
	runScript        func(ctx context.Context, script string, env []string) error
	moduleLoaded     func(name string) bool
	secureBootActive func(ctx context.Context) bool
	mokPending       func(ctx context.Context) bool
}

// NewGPUDriver builds the gpu-driver installer from configuration.
func NewGPUDriver(cfg config.GPUDriverConfiguration) *GPUDriver {
	return &GPUDriver{
		script:           cfg.InstallScript,
		module:           cfg.KernelModule,
		runScript:        runInstallScript,
		moduleLoaded:     kernelModuleLoaded,
		secureBootActive: secureBootActive,
		mokPending:       mokEnrollmentPending,
	}
}

func (g *GPUDriver) Name() string { return GPUDriverModule }

func (g *GPUDriver) Description() string {
	return "Installs the vendor GPU driver, including Secure Boot key enrollment when required."
}

// Install runs the driver install script and classifies the outcome. The
// script is handed a generated one-time password so it can queue the MOK
// enrollment non-interactively; the same password is surfaced to the
// operator if the firmware step turns out to be necessary.
func (g *GPUDriver) Install(ctx context.Context) (Result, error) {
	if g.moduleLoaded(g.module) {
		return Result{Status: StatusCompleted, Message: "the GPU driver is already loaded"}, nil
	}

	// Digits only: firmware dialogs have no clipboard and some only accept
	// a numeric pad.
	otp := numericOTP(12)

	if err := g.runScript(ctx, g.script, []string{"MOK_PASSWORD=" + otp}); err != nil {
		return Result{}, errors.WithMessage(err, "gpu driver install script failed")
	}

	if g.moduleLoaded(g.module) {
		return Result{Status: StatusCompleted, Message: "GPU driver installed and loaded"}, nil
	}

	if g.secureBootActive(ctx) && g.mokPending(ctx) {
		return Result{
			Status:  StatusSecureBootPending,
			Message: fmt.Sprintf(secureBootSteps, otp),
		}, nil
	}

	return Result{
		Status:  StatusRebootRequired,
		Message: "GPU driver installed; reboot the machine to load the kernel module",
	}, nil
}

// Reconcile flips an interactive state to completed once the kernel module
// has actually appeared, i.e. the operator performed the reboot or firmware
// step.
func (g *GPUDriver) Reconcile(ctx context.Context, current Status) (Result, error) {
	if g.moduleLoaded(g.module) {
		return Result{Status: StatusCompleted, Message: "GPU driver loaded"}, nil
	}
	if current == StatusSecureBootPending && !g.mokPending(ctx) && !g.moduleLoaded(g.module) {
		// The queued enrollment is gone but the module still did not load:
		// the operator most likely skipped the firmware dialog and the key
		// was discarded. Send them back through the install.
		return Result{Status: StatusFailed, Message: "the Secure Boot key enrollment was not completed at boot, run the install again"}, nil
	}
	return Result{Status: current}, nil
}

// numericOTP derives an n-digit one-time password from random UUID bytes.
func numericOTP(n int) string {
	var b strings.Builder
	for b.Len() < n {
		for _, v := range uuid.New() {
			if b.Len() == n {
				break
			}
			b.WriteByte('0' + v%10)
		}
	}
	return b.String()
}

func runInstallScript(ctx context.Context, script string, env []string) error {
	cmd := exec.CommandContext(ctx, "/bin/bash", script)
	cmd.Env = append(os.Environ(), env...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		tail := string(out)
		if len(tail) > 1024 {
			tail = tail[len(tail)-1024:]
		}
		return errors.Errorf("%v: %s", err, strings.TrimSpace(tail))
	}
	return nil
}

// kernelModuleLoaded checks /proc/modules for a loaded module by name.
func kernelModuleLoaded(name string) bool {
	b, err := os.ReadFile("/proc/modules")
	if err != nil {
		log.WithError(err).Debug("unable to read loaded kernel modules")
		return false
	}
	for _, line := range strings.Split(string(b), "\n") {
		if field, _, _ := strings.Cut(line, " "); field == name {
			return true
		}
	}
	return false
}

func secureBootActive(ctx context.Context) bool {
	out, err := exec.CommandContext(ctx, "mokutil", "--sb-state").Output()
	if err != nil {
		// No mokutil or no EFI variables generally means no Secure Boot.
		return false
	}
	return strings.Contains(strings.ToLower(string(out)), "secureboot enabled")
}

func mokEnrollmentPending(ctx context.Context) bool {
	out, err := exec.CommandContext(ctx, "mokutil", "--list-new").Output()
	if err != nil {
		return false
	}
	return strings.TrimSpace(string(out)) != ""
}
