package cmd

import (
	"fmt"
	"os"

	"emperror.dev/errors"
	"github.com/apex/log"
	"github.com/mitchellh/colorstring"
	"github.com/spf13/cobra"

	"github.com/kioskworks/station/config"
	"github.com/kioskworks/station/identity"
	"github.com/kioskworks/station/loggers/cli"
	"github.com/kioskworks/station/provision"
	"github.com/kioskworks/station/remote"
)

var provisionArgs struct {
	Force      bool
	Reidentify bool
}

func newProvisionCommand() *cobra.Command {
	command := &cobra.Command{
		Use:   "provision",
		Short: "Runs the first-boot provisioning sequence without starting the API server.",
		Long: "Collects the hardware identity, submits it to the enrollment authority, waits" +
			" for an operator decision, and joins the mesh network. Normally this runs as part" +
			" of the daemon boot; the subcommand exists for imaging pipelines and manual recovery.",
		PreRun: func(cmd *cobra.Command, args []string) {
			initConfig()
			log.SetHandler(cli.Default)
			if config.Get().Debug || debug {
				log.SetLevel(log.DebugLevel)
			}
		},
		Run: provisionCmdRun,
	}

	command.Flags().BoolVar(&provisionArgs.Force, "force", false, "re-run provisioning even if the completion marker exists")
	command.Flags().BoolVar(&provisionArgs.Reidentify, "reidentify", false, "discard the stored hardware identity and enroll this machine as new hardware")

	return command
}

func provisionCmdRun(cmd *cobra.Command, _ []string) {
	if err := config.Get().Validate(); err != nil {
		log.WithField("error", err).Fatal("configuration is not usable")
	}
	if err := config.ConfigureDirectories(); err != nil {
		log.WithField("error", err).Fatal("failed to configure system directories for station")
	}

	cfg := config.Get()
	p := provision.New(cfg)

	if provisionArgs.Reidentify {
		if err := os.Remove(cfg.System.GetIdentityPath()); err != nil && !os.IsNotExist(err) {
			log.WithField("error", err).Fatal("failed to remove the stored hardware identity")
		}
		log.Warn("stored hardware identity discarded, this machine will enroll as new hardware")
	}

	if p.Provisioned() {
		if !provisionArgs.Force {
			fmt.Println(colorstring.Color("[green]This machine is already provisioned.[reset] Pass --force to run the sequence again."))
			return
		}
		if err := os.Remove(cfg.System.GetProvisionMarkerPath()); err != nil {
			log.WithField("error", err).Fatal("failed to remove the existing provisioning marker")
		}
	}

	err := p.Run(cmd.Context())
	if err == nil {
		fmt.Println(colorstring.Color("[green][bold]Provisioning complete.[reset] This machine is now a member of the fleet mesh."))
		return
	}

	// A rejection carries an operator-facing reason from the authority; show
	// it verbatim rather than buried in a log line.
	var rejection *remote.RejectionError
	if errors.As(err, &rejection) {
		fmt.Println(colorstring.Color("[red][bold]Enrollment rejected by the authority.[reset]"))
		fmt.Printf("Reason: %s\n", rejection.Reason)
		os.Exit(1)
	}
	if errors.Is(err, identity.ErrFingerprintMismatch) {
		fmt.Println(colorstring.Color("[red][bold]Hardware mismatch.[reset] The machine's hardware no longer matches its stored identity."))
		fmt.Printf("If this chassis was deliberately repaired or replaced, remove %s and provision again to enroll it as new hardware.\n", cfg.System.GetIdentityPath())
		os.Exit(1)
	}

	log.WithField("error", err).Fatal("provisioning did not complete")
}
