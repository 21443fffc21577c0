package cmd

import (
	"fmt"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/NYTimes/logrotate"
	"github.com/apex/log"
	"github.com/apex/log/handlers/multi"
	"github.com/mitchellh/colorstring"
	"github.com/spf13/cobra"

	"github.com/kioskworks/station/config"
	"github.com/kioskworks/station/internal/database"
	"github.com/kioskworks/station/loggers/cli"
	"github.com/kioskworks/station/modules"
	"github.com/kioskworks/station/poller"
	"github.com/kioskworks/station/provision"
	"github.com/kioskworks/station/router"
	"github.com/kioskworks/station/system"
)

var (
	configPath = config.DefaultLocation
	debug      = false
)

var rootCommand = &cobra.Command{
	Use:   "station",
	Short: "Runs the kiosk provisioning daemon and its module install API.",
	PreRun: func(cmd *cobra.Command, args []string) {
		initConfig()
		initLogging()
		if debug {
			config.SetDebugViaFlag(debug)
		}
	},
	Run: rootCmdRun,
}

func init() {
	rootCommand.PersistentFlags().StringVar(&configPath, "config", config.DefaultLocation, "set the location for the configuration file")
	rootCommand.PersistentFlags().BoolVar(&debug, "debug", false, "pass in order to run station in debug mode")

	rootCommand.AddCommand(newProvisionCommand())
	rootCommand.AddCommand(versionCommand)
}

// Execute runs the root command and exits the process on failure.
func Execute() {
	if err := rootCommand.Execute(); err != nil {
		log.WithField("error", err).Fatal("failed to execute command")
	}
}

func rootCmdRun(cmd *cobra.Command, _ []string) {
	printLogo()
	log.Debug("running in debug mode")
	log.WithField("config_file", configPath).Info("loading configuration from file")

	if err := config.Get().Validate(); err != nil {
		log.WithField("error", err).Fatal("configuration is not usable")
	}
	if err := config.ConfigureTimezone(); err != nil {
		log.WithField("error", err).Fatal("failed to detect system timezone or use supplied configuration value")
	}
	log.WithField("timezone", config.Get().System.Timezone).Info("configured daemon timezone")
	if err := config.ConfigureDirectories(); err != nil {
		log.WithField("error", err).Fatal("failed to configure system directories for station")
	}
	if err := database.Initialize(); err != nil {
		log.WithField("error", err).Fatal("failed to initialize the local state database")
	}

	cfg := config.Get()

	// First-boot provisioning runs before the API comes up. If the machine is
	// already provisioned this returns immediately; if the authority rejected
	// it there is nothing the API could usefully serve.
	p := provision.New(cfg)
	if !p.Provisioned() {
		log.Info("machine is not provisioned yet, starting first-boot provisioning")
		if err := p.Run(cmd.Context()); err != nil {
			log.WithField("error", err).Fatal("first-boot provisioning did not complete")
		}
	}

	manager := modules.NewManager()
	if err := manager.Register(modules.NewGPUDriver(cfg.Modules.GPUDriver)); err != nil {
		log.WithField("error", err).Fatal("failed to register gpu-driver module")
	}
	if err := manager.Register(modules.NewVPNEnroll(cfg)); err != nil {
		log.WithField("error", err).Fatal("failed to register vpn-enroll module")
	}
	if err := manager.StartReconciler(cmd.Context(), time.Duration(cfg.Modules.ReconcileInterval)*time.Minute); err != nil {
		log.WithField("error", err).Fatal("failed to start module state reconciler")
	}
	defer manager.Shutdown()

	// Mirror install progress into the daemon log: the install endpoint starts
	// a watch for every accepted request, and each state change lands here.
	progress := poller.New(manager, func(u poller.Update) {
		log.WithFields(log.Fields{
			"module":   u.State.Name,
			"status":   u.State.Status,
			"progress": poller.FormatProgress(u.Progress),
		}).Info("module install progress")
	})
	defer progress.Close()

	r := router.Configure(manager, progress)
	addr := cfg.Api.Host + ":" + strconv.Itoa(cfg.Api.Port)
	s := &http.Server{
		Addr:      addr,
		Handler:   r,
		TLSConfig: config.DefaultTLSConfig,
	}

	if cfg.Api.Ssl.Enabled {
		log.WithFields(log.Fields{"use_ssl": true, "listen": addr}).Info("configuring internal webserver")
		if err := s.ListenAndServeTLS(cfg.Api.Ssl.CertificateFile, cfg.Api.Ssl.KeyFile); err != nil {
			log.WithField("error", err).Fatal("failed to configure HTTPS server")
		}
		return
	}
	log.WithFields(log.Fields{"use_ssl": false, "listen": addr}).Info("configuring internal webserver")
	if err := s.ListenAndServe(); err != nil {
		log.WithField("error", err).Fatal("failed to configure HTTP server")
	}
}

// Reads the configuration from the disk and then sets up the global singleton
// with all the configuration values.
func initConfig() {
	if !strings.HasPrefix(configPath, "/") {
		d, err := os.Getwd()
		if err != nil {
			log2("cmd/root: could not determine directory: %s", err)
			os.Exit(1)
		}
		configPath = path.Clean(path.Join(d, configPath))
	}
	err := config.FromFile(configPath)
	if err != nil {
		if errors, ok := err.(*os.PathError); ok && errors.Err.Error() == "no such file or directory" {
			exitWithConfigurationNotice()
		}
		log2("cmd/root: error while reading configuration file: %s", err)
		os.Exit(1)
	}
	if debug && !config.Get().Debug {
		config.SetDebugViaFlag(debug)
	}
}

// Configures the global logger for the daemon, including writing the log
// output to a rotated file on the disk.
func initLogging() {
	dir := config.Get().System.LogDirectory
	if err := os.MkdirAll(dir, 0o700); err != nil {
		log2("cmd/root: failed to create log directory: %s", err)
		os.Exit(1)
	}
	p := filepath.Join(dir, "station.log")
	w, err := logrotate.NewFile(p)
	if err != nil {
		log2("cmd/root: failed to create station log: %s", err)
		os.Exit(1)
	}
	log.SetLevel(log.InfoLevel)
	if config.Get().Debug {
		log.SetLevel(log.DebugLevel)
	}
	log.SetHandler(multi.New(cli.Default, cli.New(w, false)))
	log.WithField("path", p).Info("writing log files to disk")
}

// log2 is a helper used before the logging system is available.
func log2(format string, args ...interface{}) {
	fmt.Printf(format+"\n", args...)
}

func printLogo() {
	fmt.Printf(colorstring.Color(`
                      ____
 ___________________ [blue]/\ \[reset]_______________________
|                    [blue]\ \ \[reset]                       |
|   [bold]Station[reset]           [blue]_\ \ \[reset]    kiosk daemon       |
|                   [blue]/\_\ \ \[reset]                      |
|                   [blue]\ \ \ \ \[reset]   %s
|                    [blue]\ \ \ \ \[reset]                     |
|_____________________[blue]\ \_\ \_\[reset]____________________|
                       [blue]\/_/\/_/[reset]

Copyright © 2024 - %d Kioskworks
`), system.Version, time.Now().Year())
	fmt.Println()
}

func exitWithConfigurationNotice() {
	fmt.Print(colorstring.Color(`
[_red_][white][bold]Error: Configuration File Not Found[reset]

Station was not able to locate your configuration file, and therefore is not
able to complete its boot process. A configuration file is written to
/etc/station/config.yml when a machine image is prepared for the fleet.

Place the configuration there, or pass an alternate location:

station --config /path/to/config.yml
`))
	os.Exit(1)
}
