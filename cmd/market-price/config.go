package main

import (
	"strings"
	"time"

	"github.com/juju/errors"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/y3sh/rt-sdk-go/client/rest"
	"github.com/y3sh/rt-sdk-go/client/websocket"
	"github.com/y3sh/rt-sdk-go/common"
	"github.com/y3sh/rt-sdk-go/tokens"
)

const (
	envPrefix = "RTSDK"

	defaultAuthURL      = "https://api.refinitiv.com:443/auth/oauth2/v1/token"
	defaultDiscoveryURL = "https://api.refinitiv.com/streaming/pricing/v1/"
	defaultRIC          = "/TRI.N"
	defaultLogLevel     = "<root>=INFO"
)

// Config is the complete configuration of the program. Values come from, in
// the order of precedence: flags, RTSDK_* environment variables, the config
// file, defaults.
type Config struct {
	// Explicit streaming hosts; when Hostname is empty, endpoints are
	// discovered.
	Hostname        string `mapstructure:"hostname"`
	Port            int    `mapstructure:"port"`
	StandbyHostname string `mapstructure:"standby-hostname"`
	StandbyPort     int    `mapstructure:"standby-port"`

	AppID    string `mapstructure:"app-id"`
	Position string `mapstructure:"position"`

	User         string `mapstructure:"user"`
	Password     string `mapstructure:"password"`
	NewPassword  string `mapstructure:"new-password"`
	ClientID     string `mapstructure:"client-id"`
	ClientSecret string `mapstructure:"client-secret"`
	JWKFile      string `mapstructure:"jwk-file"`
	Audience     string `mapstructure:"audience"`
	CredsFile    string `mapstructure:"creds"`

	AuthURL      string `mapstructure:"auth-url"`
	DiscoveryURL string `mapstructure:"discovery-url"`
	Scope        string `mapstructure:"scope"`
	Region       string `mapstructure:"region"`
	HotStandby   bool   `mapstructure:"hotstandby"`

	RICs    []string `mapstructure:"ric"`
	Service string   `mapstructure:"service"`
	View    []string `mapstructure:"view"`

	// PostInterval, if not zero, makes the sessions post postFields to the
	// first item.
	PostInterval time.Duration `mapstructure:"post-interval"`

	// RefreshPolicy is "proactive", "lazy", or empty to pick by the
	// credential kind.
	RefreshPolicy  string        `mapstructure:"refresh-policy"`
	ReconnectDelay time.Duration `mapstructure:"reconnect-delay"`
	HTTPTimeout    time.Duration `mapstructure:"http-timeout"`

	LogLevel string `mapstructure:"log-level"`
	NoColor  bool   `mapstructure:"no-color"`
}

// newFlagSet defines all flags; their names are the config keys.
func newFlagSet(name string) *pflag.FlagSet {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)

	fs.String("config", "", "Config file (YAML, JSON or TOML)")

	fs.String("hostname", "", "Streaming host to connect to; if empty, endpoints are discovered")
	fs.Int("port", 443, "Streaming port")
	fs.String("standby-hostname", "", "Standby streaming host, for hot standby with explicit hosts")
	fs.Int("standby-port", 443, "Standby streaming port")

	fs.String("app-id", "", "Application ID sent with the login")
	fs.String("position", "", "Position sent with the login; defaults to <ip>/<hostname>")

	fs.String("user", "", "Machine ID for the password grant")
	fs.String("password", "", "Password for the password grant")
	fs.String("new-password", "", "Change the password to this one before connecting")
	fs.String("client-id", "", "Client ID; with --client-secret or --jwk-file it's used for the client credentials grant")
	fs.String("client-secret", "", "Client secret for the client credentials grant")
	fs.String("jwk-file", "", "File with the private JWK used to sign client assertions")
	fs.String("audience", "", "Audience of client assertions; defaults to --auth-url")
	fs.String("creds", "", "YAML file with credentials; see creds.go")

	fs.String("auth-url", defaultAuthURL, "Token endpoint")
	fs.String("discovery-url", defaultDiscoveryURL, "Service discovery endpoint")
	fs.String("scope", rest.DefaultScope, "Token scope")
	fs.String("region", "", "Region prefix of the discovered endpoints, like us-east")
	fs.Bool("hotstandby", false, "Connect to two endpoints at once")

	fs.StringSlice("ric", []string{defaultRIC}, "Item to request; more than one makes a batch request")
	fs.String("service", "", "Service to request items from")
	fs.StringSlice("view", nil, "Fields to request, like BID,ASK; all of them by default")
	fs.Duration("post-interval", 0, "Post sample field values to the first item this often; 0 disables posting")

	fs.String("refresh-policy", "", "Token renewal policy: proactive or lazy; by default, lazy for client credentials")
	fs.Duration("reconnect-delay", 3*time.Second, "Delay before reconnecting a lost session")
	fs.Duration("http-timeout", rest.DefaultTimeout, "Timeout of auth and discovery requests")

	fs.String("log-level", defaultLogLevel, "Logging config, like <root>=INFO;rtsdk.websocket=DEBUG")
	fs.Bool("no-color", false, "Don't colorize the output")

	return fs
}

// LoadConfig parses args with the given flag set, and layers the config
// file and the environment under the flags.
func LoadConfig(fs *pflag.FlagSet, args []string) (*Config, error) {
	if err := fs.Parse(args); err != nil {
		return nil, errors.Trace(err)
	}

	v := viper.New()

	if err := v.BindPFlags(fs); err != nil {
		return nil, errors.Trace(err)
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if filename := v.GetString("config"); filename != "" {
		v.SetConfigFile(filename)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Annotatef(err, "reading config file %q", filename)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Annotatef(err, "decoding config")
	}

	// Env values of slices come as a single string.
	cfg.RICs = splitSingle(cfg.RICs)
	cfg.View = splitSingle(cfg.View)

	if cfg.CredsFile != "" {
		cr, err := parseCreds(cfg.CredsFile)
		if err != nil {
			return nil, errors.Trace(err)
		}
		cr.applyTo(&cfg)
	}

	if err := cfg.Validate(); err != nil {
		return nil, errors.Trace(err)
	}

	return &cfg, nil
}

// Validate checks the values which can't be checked by the libraries later.
func (c *Config) Validate() error {
	if len(c.RICs) == 0 {
		return errors.New("at least one --ric is required")
	}

	if c.Hostname == "" && c.DiscoveryURL == "" {
		return errors.New("either --hostname or --discovery-url is required")
	}

	if c.StandbyHostname != "" && c.Hostname == "" {
		return errors.New("--standby-hostname needs --hostname")
	}

	if c.Port <= 0 || c.Port > 65535 || c.StandbyPort <= 0 || c.StandbyPort > 65535 {
		return errors.New("ports must be in 1..65535")
	}

	if c.PostInterval < 0 {
		return errors.New("--post-interval can't be negative")
	}

	if c.RefreshPolicy != "" {
		if _, err := tokens.ParsePolicy(c.RefreshPolicy); err != nil {
			return errors.Trace(err)
		}
	}

	if c.NewPassword != "" {
		if mask := rest.CheckPasswordPolicy(c.NewPassword); mask != rest.PasswordValid {
			return errors.Trace(&rest.PasswordPolicyError{Mask: mask})
		}
	}

	return nil
}

// Credential builds the credential for the primary grant.
func (c *Config) Credential(readFile func(string) ([]byte, error)) (common.Credential, error) {
	cred := common.Credential{
		Username:     c.User,
		Password:     c.Password,
		ClientID:     c.ClientID,
		ClientSecret: c.ClientSecret,
	}

	if c.JWKFile != "" {
		data, err := readFile(c.JWKFile)
		if err != nil {
			return common.Credential{}, errors.Annotatef(err, "reading JWK file")
		}
		cred.JWK = data
	}

	if err := cred.Validate(); err != nil {
		return common.Credential{}, errors.Trace(err)
	}

	return cred, nil
}

// Policy returns the token renewal policy: the configured one, or lazy for
// client credentials and proactive for passwords.
func (c *Config) Policy(cred common.Credential) tokens.Policy {
	if c.RefreshPolicy != "" {
		p, _ := tokens.ParsePolicy(c.RefreshPolicy)
		return p
	}

	if cred.Kind() == common.CredentialPassword {
		return tokens.PolicyProactive
	}

	return tokens.PolicyLazy
}

// Endpoints returns the explicitly configured endpoints, or nil if they need
// to be discovered.
func (c *Config) Endpoints() []common.EndpointDescriptor {
	if c.Hostname == "" {
		return nil
	}

	res := []common.EndpointDescriptor{{Host: c.Hostname, Port: c.Port}}

	if c.StandbyHostname != "" {
		res = append(res, common.EndpointDescriptor{Host: c.StandbyHostname, Port: c.StandbyPort})
	}

	return res
}

// postFields are the values posted with --post-interval.
var postFields = map[string]interface{}{
	"BID":     45.55,
	"BIDSIZE": 18,
	"ASK":     45.57,
	"ASKSIZE": 19,
}

// Posting returns the posting params, or nil if posting is off.
func (c *Config) Posting() *websocket.PostingParams {
	if c.PostInterval == 0 {
		return nil
	}

	return &websocket.PostingParams{
		Interval: c.PostInterval,
		Fields:   postFields,
	}
}

func splitSingle(values []string) []string {
	if len(values) == 1 && strings.Contains(values[0], ",") {
		return strings.Split(values[0], ",")
	}

	return values
}
