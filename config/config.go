package config

import (
	"bytes"
	"crypto/tls"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"emperror.dev/errors"
	"github.com/apex/log"
	"github.com/asaskevich/govalidator"
	"github.com/creasty/defaults"
	"gopkg.in/yaml.v2"
)

const DefaultLocation = "/etc/station/config.yml"

// DefaultTLSConfig sets sane defaults to use when configuring the internal
// webserver to listen for public connections.
//
// @see https://blog.cloudflare.com/exposing-go-on-the-internet
var DefaultTLSConfig = &tls.Config{
	NextProtos: []string{"h2", "http/1.1"},
	CipherSuites: []uint16{
		tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
		tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
		tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
		tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
		tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305_SHA256,
		tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305_SHA256,
	},
	PreferServerCipherSuites: true,
	MinVersion:               tls.VersionTLS12,
	MaxVersion:               tls.VersionTLS13,
	CurvePreferences:         []tls.CurveID{tls.X25519, tls.CurveP256},
}

var regexTimezone = regexp.MustCompile(`(?i)[a-z_+\-/]+`)

var (
	mu            sync.RWMutex
	_config       *Configuration
	_debugViaFlag bool
)

// Locker specific to writing the configuration to the disk, this happens
// in areas that might already be locked, so we don't want to crash the process.
var _writeLock sync.Mutex

// ApiConfiguration defines the configuration for the internal API that is
// exposed by the daemon's webserver and consumed by the kiosk panel.
type ApiConfiguration struct {
	// The interface that the internal webserver should bind to.
	Host string `default:"127.0.0.1" yaml:"host"`

	// The port that the internal webserver should bind to.
	Port int `default:"8591" yaml:"port"`

	// SSL configuration for the daemon.
	Ssl struct {
		Enabled         bool   `json:"enabled" yaml:"enabled"`
		CertificateFile string `json:"cert" yaml:"cert"`
		KeyFile         string `json:"key" yaml:"key"`
	}

	// A list of IP address of proxies that may send a X-Forwarded-For header
	// to set the true clients IP.
	TrustedProxies []string `json:"trusted_proxies" yaml:"trusted_proxies"`
}

// RemoteConfiguration defines the configuration settings for requests from
// this daemon to the enrollment authority.
type RemoteConfiguration struct {
	// The base location of the enrollment authority that approves or rejects
	// hardware identities and issues mesh credentials.
	Location string `yaml:"location"`

	// The amount of time in seconds that the daemon should allow for a request
	// to the enrollment authority to complete. If this time passes the request
	// will be marked as failed.
	Timeout int `default:"30" yaml:"timeout"`

	// PollInterval is the number of seconds to wait between status polls while
	// an enrollment request is pending approval.
	PollInterval int `default:"30" yaml:"poll_interval"`

	// CustomHeaders is a map of custom headers that will be included in all
	// requests made to the enrollment authority. This is useful for
	// authentication with services like Cloudflare Access using service tokens.
	CustomHeaders map[string]string `yaml:"custom_headers"`
}

// MeshConfiguration describes how the daemon joins the private mesh network
// once an enrollment credential has been issued.
type MeshConfiguration struct {
	// ClientBinary is the mesh VPN client executable used for all status and
	// connection operations.
	ClientBinary string `default:"tailscale" yaml:"client_binary"`

	// ControlURL is the mesh control server every kiosk in the fleet
	// connects to.
	ControlURL string `yaml:"control_url"`

	// Hostname is the operator-chosen kiosk token this machine registers
	// under. When empty the OS hostname is used.
	Hostname string `yaml:"hostname"`

	// Tag applied to the device when connecting, used by the control server
	// for ACL scoping.
	Tag string `default:"tag:kiosk" yaml:"tag"`
}

// ProvisionConfiguration defines the first-boot provisioning sequence knobs.
type ProvisionConfiguration struct {
	// RetryDelay is the number of seconds to wait before restarting the whole
	// provisioning sequence after a failed step.
	RetryDelay int `default:"8" yaml:"retry_delay"`

	// ProbeURLs are endpoints used to determine whether the machine has
	// working internet connectivity. The first successful response wins.
	ProbeURLs []string `default:"[\"https://connectivitycheck.gstatic.com/generate_204\", \"https://www.google.com/generate_204\"]" yaml:"probe_urls"`

	// ProbeRetries bounds the number of connectivity attempts made before the
	// whole sequence is restarted.
	ProbeRetries int `default:"5" yaml:"probe_retries"`

	// DNSProbeHost is resolved once per run as a sanity check. Failures are
	// logged but do not block provisioning since the mesh client can operate
	// on IP literals.
	DNSProbeHost string `default:"login.tailscale.com" yaml:"dns_probe_host"`

	// NTPServer is queried once per run to detect gross clock skew before any
	// TLS calls to the enrollment authority are made. Non-fatal.
	NTPServer string `default:"pool.ntp.org" yaml:"ntp_server"`

	// MaxClockSkew is the number of seconds of NTP offset tolerated before a
	// warning is emitted.
	MaxClockSkew int `default:"120" yaml:"max_clock_skew"`
}

// GPUDriverConfiguration configures the gpu-driver install module.
type GPUDriverConfiguration struct {
	// InstallScript is executed to install the vendor driver packages.
	InstallScript string `default:"/usr/lib/station/install-gpu-driver.sh" yaml:"install_script"`

	// KernelModule is the module expected to be loaded once the driver is
	// fully installed and, if needed, the machine has been rebooted.
	KernelModule string `default:"nvidia" yaml:"kernel_module"`
}

// VPNEnrollConfiguration configures the vpn-enroll install module.
type VPNEnrollConfiguration struct {
	// AuthKey holds a pre-authorized mesh key used to enroll the kiosk VPN
	// profile. Supports env and file:// expansion.
	AuthKey string `default:"file:///etc/station/vpn-authkey" yaml:"auth_key"`
}

// ModulesConfiguration defines settings for the optional hardware-dependent
// install modules tracked through the panel.
type ModulesConfiguration struct {
	// ReconcileInterval is the number of minutes between reconciliation
	// sweeps that re-check real system state for modules waiting on a reboot
	// or firmware step.
	ReconcileInterval int `default:"5" yaml:"reconcile_interval"`

	GPUDriver GPUDriverConfiguration `yaml:"gpu_driver"`
	VPNEnroll VPNEnrollConfiguration `yaml:"vpn_enroll"`
}

// SystemConfiguration defines basic system configuration settings.
type SystemConfiguration struct {
	// The root directory where all of the station data is stored at.
	RootDirectory string `default:"/var/lib/station" json:"-" yaml:"root_directory"`

	// Directory where logs for module installations and other daemon events
	// are written.
	LogDirectory string `default:"/var/log/station" json:"-" yaml:"log_directory"`

	// The timezone for this daemon instance. Detected automatically if
	// possible, falling back to UTC.
	Timezone string `yaml:"timezone"`
}

type Configuration struct {
	// The location from which this configuration instance was instantiated.
	path string

	// Determines if the daemon should be running in debug mode. This value is
	// ignored if the debug flag is passed through the command line arguments.
	Debug bool

	AppName string `default:"Station" json:"app_name" yaml:"app_name"`

	// The token used when performing operations against the daemon API.
	// Requests to this instance must validate against it.
	AuthenticationToken string `json:"token" yaml:"token"`

	Api       ApiConfiguration       `json:"api" yaml:"api"`
	System    SystemConfiguration    `json:"system" yaml:"system"`
	Remote    RemoteConfiguration    `json:"remote" yaml:"remote"`
	Mesh      MeshConfiguration      `json:"mesh" yaml:"mesh"`
	Provision ProvisionConfiguration `json:"provision" yaml:"provision"`
	Modules   ModulesConfiguration   `json:"modules" yaml:"modules"`
}

// NewAtPath creates a new struct and set the path where it should be stored.
// This function does not modify the currently stored global configuration.
func NewAtPath(path string) (*Configuration, error) {
	var c Configuration
	// Configures the default values for many of the configuration options present
	// in the structs. Values set in the configuration file take priority over the
	// default values.
	if err := defaults.Set(&c); err != nil {
		return nil, err
	}
	// Track the location where we created this configuration.
	c.path = path
	return &c, nil
}

// Set the global configuration instance. This is a blocking operation such that
// anything trying to set a different configuration value, or read the configuration
// will be paused until it is complete.
func Set(c *Configuration) {
	mu.Lock()
	defer mu.Unlock()
	_config = c
}

// SetDebugViaFlag tracks if the application is running in debug mode because of
// a command line flag argument. If so we do not want to store that configuration
// change to the disk.
func SetDebugViaFlag(d bool) {
	mu.Lock()
	defer mu.Unlock()
	_config.Debug = d
	_debugViaFlag = d
}

// Get returns the global configuration instance. This is a thread-safe operation
// that will block if the configuration is presently being modified.
//
// Be aware that you CANNOT make modifications to the currently stored configuration
// by modifying the struct returned by this function. The only way to make
// modifications is by using the Update() function and passing data through in
// the callback.
func Get() *Configuration {
	mu.RLock()
	// Create a copy of the struct so that all modifications made beyond this
	// point are immutable.
	//goland:noinspection GoVetCopyLock
	c := *_config
	mu.RUnlock()
	return &c
}

// Update performs an in-situ update of the global configuration object using
// a thread-safe mutex lock. This is the correct way to make modifications to
// the global configuration.
func Update(callback func(c *Configuration)) {
	mu.Lock()
	defer mu.Unlock()
	callback(_config)
}

// Path returns the file path where this configuration is stored.
func (c *Configuration) Path() string {
	return c.path
}

// Validate checks the parts of the configuration that provisioning cannot
// work without. It is called once at startup so that a malformed authority
// URL is reported immediately rather than as an endless retry loop.
func (c *Configuration) Validate() error {
	if c.Remote.Location == "" {
		return errors.New("config: remote.location is not defined")
	}
	if !govalidator.IsURL(c.Remote.Location) {
		return errors.Errorf("config: remote.location %q is not a valid URL", c.Remote.Location)
	}
	if c.Mesh.ControlURL != "" && !govalidator.IsURL(c.Mesh.ControlURL) {
		return errors.Errorf("config: mesh.control_url %q is not a valid URL", c.Mesh.ControlURL)
	}
	if c.Mesh.Hostname != "" && !govalidator.IsDNSName(c.Mesh.Hostname) {
		return errors.Errorf("config: mesh.hostname %q is not a valid hostname token", c.Mesh.Hostname)
	}
	return nil
}

// WriteToDisk writes the configuration to the disk. This is a thread safe operation
// and will only allow one write at a time. Additional calls while writing are
// queued up.
func WriteToDisk(c *Configuration) error {
	_writeLock.Lock()
	defer _writeLock.Unlock()

	//goland:noinspection GoVetCopyLock
	ccopy := *c
	// If debugging is set with the flag, don't save that to the configuration file,
	// otherwise you'll always end up in debug mode.
	if _debugViaFlag {
		ccopy.Debug = false
	}
	if c.path == "" {
		return errors.New("cannot write configuration, no path defined in struct")
	}
	b, err := yaml.Marshal(&ccopy)
	if err != nil {
		return err
	}
	if err := os.WriteFile(c.path, b, 0o600); err != nil {
		return err
	}
	return nil
}

// FromFile reads the configuration from the provided file and stores it in the
// global singleton for this instance.
func FromFile(path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	c, err := NewAtPath(path)
	if err != nil {
		return err
	}
	if err := yaml.Unmarshal(b, c); err != nil {
		return err
	}

	if v := os.Getenv("STATION_TOKEN"); v != "" {
		c.AuthenticationToken = v
	}
	c.AuthenticationToken, err = Expand(c.AuthenticationToken)
	if err != nil {
		return err
	}

	// Store this configuration in the global state.
	Set(c)
	return nil
}

// ConfigureDirectories ensures that all the system directories exist on the
// system. These directories are created so that only the owner can read the data,
// and no other users.
//
// This function IS NOT thread-safe.
func ConfigureDirectories() error {
	root := _config.System.RootDirectory
	log.WithField("path", root).Debug("ensuring root data directory exists")
	if err := os.MkdirAll(root, 0o700); err != nil {
		return err
	}

	log.WithField("path", _config.System.LogDirectory).Debug("ensuring log directory exists")
	if err := os.MkdirAll(_config.System.LogDirectory, 0o700); err != nil {
		return err
	}

	// The root directory may be a symlink on machines imaged from a golden
	// image; resolve it so path checks later on do not trip over the link.
	if d, err := filepath.EvalSymlinks(root); err != nil {
		if !os.IsNotExist(err) {
			return err
		}
	} else if d != root {
		_config.System.RootDirectory = d
	}

	return nil
}

// GetIdentityPath returns the location of the persisted hardware identity file.
func (sc *SystemConfiguration) GetIdentityPath() string {
	return path.Join(sc.RootDirectory, "identity.json")
}

// GetProvisionMarkerPath returns the location of the marker file written once
// first-boot provisioning has completed successfully.
func (sc *SystemConfiguration) GetProvisionMarkerPath() string {
	return path.Join(sc.RootDirectory, ".provisioned")
}

// GetSetupMarkerPath returns the location of the marker written when the
// operator finishes panel-side setup.
func (sc *SystemConfiguration) GetSetupMarkerPath() string {
	return path.Join(sc.RootDirectory, ".setup-complete")
}

// GetDatabasePath returns the location of the local module-state database.
func (sc *SystemConfiguration) GetDatabasePath() string {
	return path.Join(sc.RootDirectory, "station.db")
}

// ConfigureTimezone sets the timezone data for the configuration if it is
// currently missing. If a value has been set, this functionality will only run
// to validate that the timezone being used is valid.
//
// This function IS NOT thread-safe.
func ConfigureTimezone() error {
	tz := os.Getenv("TZ")
	if _config.System.Timezone == "" && tz != "" {
		_config.System.Timezone = tz
	}
	if _config.System.Timezone == "" {
		b, err := os.ReadFile("/etc/timezone")
		if err != nil {
			if !os.IsNotExist(err) {
				return errors.WithMessage(err, "config: failed to open timezone file")
			}
			_config.System.Timezone = "UTC"
		} else {
			_config.System.Timezone = string(b)
		}
	}
	_config.System.Timezone = regexTimezone.FindString(_config.System.Timezone)
	if _, err := time.LoadLocation(_config.System.Timezone); err != nil {
		return errors.WithMessage(err, "config: the timezone defined is not valid")
	}
	return nil
}

// Expand expands an input string by calling [os.ExpandEnv] to expand all
// environment variables, then checks if the value is prefixed with `file://`
// to support reading the value from a file.
//
// NOTE: the order of expanding environment variables first then checking if
// the value references a file is important. This behaviour allows a user to
// pass a value like `file://${CREDENTIALS_DIRECTORY}/token` to allow us to
// work with credentials loaded by systemd's `LoadCredential` (or `LoadCredentialEncrypted`)
// options without the user needing to assume the path of `CREDENTIALS_DIRECTORY`
// or use a preStart script to read the files for us.
func Expand(v string) (string, error) {
	// Expand environment variables within the string.
	//
	// NOTE: this may cause issues if the string contains `$` and doesn't intend
	// on getting expanded, however we are using this for our tokens which are
	// all alphanumeric characters only.
	v = os.ExpandEnv(v)

	// Handle files.
	const filePrefix = "file://"
	if strings.HasPrefix(v, filePrefix) {
		p := v[len(filePrefix):]

		b, err := os.ReadFile(p)
		if err != nil {
			return "", nil
		}
		v = string(bytes.TrimRight(bytes.TrimRight(b, "\r"), "\n"))
	}

	return v, nil
}
