package model

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"reflect"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/encoding/yaml"
	"github.com/creasty/defaults"

	_ "embed"
)

const (
	LogStderr  = "stderr"
	LogStdout  = "stdout"
	LogDiscard = "discard"
)

// Config is the agent configuration
type Config struct {
	Version     int           `json:"version" yaml:"version"` // fixed 0 for now
	Agent       Agent         `json:"agent" yaml:"agent"`
	Island      Island        `json:"island" yaml:"island"`
	Propagation Propagation   `json:"propagation" yaml:"propagation"`
	Service     ServiceConfig `json:"service" yaml:"service"`
}

// Agent identifies this agent within the simulation
type Agent struct {
	ID        string   `json:"id,omitempty" yaml:"id,omitempty"`
	Depth     int      `json:"depth" yaml:"depth"`                         // current propagation depth
	Servers   []string `json:"servers,omitempty" yaml:"servers,omitempty"` // host:port of Island and relays
	KeepAlive bool     `json:"keep_alive,omitempty" yaml:"keep_alive,omitempty"`
}

// Island configures the control channel
type Island struct {
	PollInterval        Duration `json:"poll_interval" yaml:"poll_interval" default:"30s"`
	Timeout             Duration `json:"timeout" yaml:"timeout" default:"10s"`
	EventsFlushInterval Duration `json:"events_flush_interval" yaml:"events_flush_interval" default:"5s"`
	InsecureSkipVerify  bool     `json:"insecure_skip_verify,omitempty" yaml:"insecure_skip_verify,omitempty"`
}

// Propagation is a configuration of one propagation round
type Propagation struct {
	MaximumDepth int          `json:"maximum_depth" yaml:"maximum_depth"`
	NetworkScan  NetworkScan  `json:"network_scan" yaml:"network_scan"`
	Exploitation Exploitation `json:"exploitation" yaml:"exploitation"`
}

// NetworkScan configures target compilation, probes and fingerprinters
type NetworkScan struct {
	Targets        Targets        `json:"targets" yaml:"targets"`
	TCP            TCPScan        `json:"tcp" yaml:"tcp"`
	ICMP           ICMPScan       `json:"icmp" yaml:"icmp"`
	Fingerprinters []PluginConfig `json:"fingerprinters,omitempty" yaml:"fingerprinters,omitempty"`
	Concurrency    int            `json:"concurrency" yaml:"concurrency" default:"64"`
}

type Targets struct {
	Subnets             []string `json:"subnets,omitempty" yaml:"subnets,omitempty"` // CIDR, IP, a.b.c.d-a.b.c.e or a host name
	InaccessibleSubnets []string `json:"inaccessible_subnets,omitempty" yaml:"inaccessible_subnets,omitempty"`
	BlockedIPs          []string `json:"blocked_ips,omitempty" yaml:"blocked_ips,omitempty"`
	LocalNetworkScan    bool     `json:"local_network_scan,omitempty" yaml:"local_network_scan,omitempty"`
}

type TCPScan struct {
	Ports   []uint16 `json:"ports" yaml:"ports" default:"[22,80,135,443,445,3389,5985,5986,7001,8080,8088,8443,9200]"`
	Timeout Duration `json:"timeout" yaml:"timeout" default:"3s"`
	PPS     int      `json:"pps,omitempty" yaml:"pps,omitempty"` // probes per second, 0 is unlimited
}

type ICMPScan struct {
	Timeout Duration `json:"timeout" yaml:"timeout" default:"1s"`
}

// PluginConfig selects a fingerprinter or an exploiter by name
type PluginConfig struct {
	Name    string         `json:"name" yaml:"name"`
	Options map[string]any `json:"options,omitempty" yaml:"options,omitempty"`
}

// Clone copies the top level of Options
func (p PluginConfig) Clone() PluginConfig {
	if p.Options == nil {
		return p
	}
	opts := make(map[string]any, len(p.Options))
	for k, v := range p.Options {
		opts[k] = v
	}
	p.Options = opts
	return p
}

type Exploitation struct {
	Exploiters        []PluginConfig      `json:"exploiters,omitempty" yaml:"exploiters,omitempty"`
	Options           ExploitationOptions `json:"options" yaml:"options"`
	Workers           int                 `json:"workers" yaml:"workers" default:"1"`
	StopOnPropagation bool                `json:"stop_on_propagation,omitempty" yaml:"stop_on_propagation,omitempty"`
}

type ExploitationOptions struct {
	HTTPPorts []uint16 `json:"http_ports" yaml:"http_ports" default:"[80,443,7001,8008,8080,8088,8443,9200]"`
}

// ServiceConfig configures the process itself
type ServiceConfig struct {
	Verbose bool   `json:"verbose,omitempty" yaml:"verbose,omitempty"`
	Log     string `json:"log,omitempty" yaml:"log,omitempty" default:"stderr"` // "stderr"|"stdout"|"discard"|path
}

// ErrUnknownPlugin is wrapped in ConfigError for fingerprinter or exploiter
// names missing in a registry
var ErrUnknownPlugin = errors.New("unknown plugin")

// ConfigError is a fatal configuration problem found before any work starts
type ConfigError struct {
	Field string
	Err   error
}

func (e ConfigError) Error() string {
	return fmt.Sprintf("invalid configuration %s: %v", e.Field, e.Err)
}

func (e ConfigError) Unwrap() error {
	return e.Err
}

func expandEnvRecursive(cfg *Config) {
	expandEnvValue(reflect.ValueOf(cfg).Elem())
}

func expandEnvValue(v reflect.Value) {
	if !v.IsValid() {
		return
	}
	switch v.Kind() {
	case reflect.String:
		if v.CanSet() {
			v.SetString(os.ExpandEnv(v.String()))
		}
	case reflect.Struct:
		for i := 0; i < v.NumField(); i++ {
			expandEnvValue(v.Field(i))
		}
	case reflect.Pointer:
		if !v.IsNil() {
			expandEnvValue(v.Elem())
		}
	case reflect.Slice:
		switch v.Type().Elem().Kind() {
		case reflect.String, reflect.Struct, reflect.Pointer:
			for i := 0; i < v.Len(); i++ {
				expandEnvValue(v.Index(i))
			}
		default:
		}
	case reflect.Map:
		// plugin options
		if v.Type().Key().Kind() != reflect.String || v.Type().Elem().Kind() != reflect.Interface {
			return
		}
		for _, k := range v.MapKeys() {
			if s, ok := v.MapIndex(k).Interface().(string); ok {
				v.SetMapIndex(k, reflect.ValueOf(os.ExpandEnv(s)))
			}
		}
	default:
	}
}

//go:embed config.cue
var cueSource []byte

var (
	cueCtx    *cue.Context
	cueConfig cue.Value
)

func init() {
	if len(cueSource) == 0 {
		panic("variable cueSource is empty")
	}
	cueCtx = cuecontext.New()
	compiled := cueCtx.CompileBytes(cueSource)
	if compiled.Err() != nil {
		panic(compiled.Err())
	}

	if err := compiled.Validate(); err != nil {
		panic(err)
	}

	cueConfig = compiled.LookupPath(cue.ParsePath("#Config"))
	if cueConfig.Err() != nil {
		panic(cueConfig.Err())
	}
	if err := cueConfig.Validate(); err != nil {
		panic(err)
	}
}

// LoadConfig validates YAML from r against CUE schema and decodes to Config.
// NOT SAFE for multiple goroutines
// Return CueError in a case validation phase fails
func LoadConfig(r io.Reader) (Config, error) {
	var ret Config
	if err := loadConfig1(r, &ret, cueConfig); err != nil {
		return ret, err
	}
	return ret, nil
}

// LoadConfigFromPath is like LoadConfig, but reads from a file. Path "-" is stdin.
// Validation errors are logged in a human-friendly form.
func LoadConfigFromPath(path string) (Config, error) {
	var r io.Reader
	if path == "-" {
		r = os.Stdin
	} else {
		f, err := os.Open(path)
		if err != nil {
			return Config{}, fmt.Errorf("error opening config file: %w", err)
		}
		r = f
		defer func() {
			err := f.Close()
			if err != nil {
				slog.Error("can't close config file", "path", path, "error", err)
			}
		}()
	}
	cfg, err := LoadConfig(r)
	if err != nil {
		var cuerr CueError
		if errors.As(err, &cuerr) {
			for _, d := range cuerr.Details() {
				slog.Error("validation error", d.Attr("detail"))
			}
		}
		return Config{}, fmt.Errorf("parsing config: %w", err)
	}
	return cfg, nil
}

func loadConfig1(r io.Reader, cfg *Config, schema cue.Value) error {
	b, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	r = bytes.NewReader(b)

	yamlFile, err := yaml.Extract("config.yaml", r)
	if err != nil {
		return err
	}
	yamlValue := cueCtx.BuildFile(yamlFile)

	unified := schema.Unify(yamlValue)
	if err := unified.Validate(
		cue.All(),          // all constraints
		cue.Concrete(true), // no incomplete values
	); err != nil {
		return CueError{cuerr: err, config: yamlValue, schema: schema}
	}

	if err := unified.Decode(cfg); err != nil {
		return err
	}
	if err := defaults.Set(cfg); err != nil {
		return fmt.Errorf("setting defaults: %w", err)
	}

	expandEnvRecursive(cfg)
	return nil
}

// CueError provides more user friendly validation errors on top of
// those generated by cuelang itself
type CueError struct {
	cuerr  error
	config cue.Value // content of --config file
	schema cue.Value // loaded cue schema
}

// Error implements error interface, returns the string content of underlying
// cue error
func (e CueError) Error() string {
	return e.cuerr.Error()
}

// Unwrap allows one to get the original error via errors.As
func (e CueError) Unwrap() error {
	return e.cuerr
}

// Details provide human-friendlier error messages
func (e CueError) Details() []CueErrorDetail {
	return humanize(e.cuerr, e.config, e.schema)
}

// DefaultConfig returns a configuration scanning the local networks with
// the ssh and http fingerprinters and the dry-run exploiter
func DefaultConfig() Config {
	cfg := Config{
		Version: 0,
		Propagation: Propagation{
			MaximumDepth: 2,
			NetworkScan: NetworkScan{
				Targets: Targets{
					LocalNetworkScan: true,
				},
				Fingerprinters: []PluginConfig{
					{Name: "ssh"},
					{Name: "http"},
				},
			},
			Exploitation: Exploitation{
				Exploiters: []PluginConfig{
					{Name: "dry-run"},
				},
			},
		},
	}
	if err := defaults.Set(&cfg); err != nil {
		panic(err)
	}
	return cfg
}
