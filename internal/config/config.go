package config

import (
	"fmt"
	"net"
	"os"
	"sort"
	"strconv"

	"github.com/kballard/go-shellquote"
	"gopkg.in/yaml.v3"
)

// DefaultPath is where the daemon looks for its plumbing file.
const DefaultPath = "/etc/port-plumber/config.yaml"

// DefaultSocketPath is where the control socket is created.
const DefaultSocketPath = "/run/port-plumber/cmd.sock"

// Kind tells which variant a PlumbingConfig carries.
type Kind int

const (
	KindUnknown Kind = iota
	// KindAddress routes a fixed source socket to a fixed target socket.
	KindAddress
	// KindName declares port mappings for every name ending with a suffix.
	KindName
)

func (k Kind) String() string {
	switch k {
	case KindAddress:
		return "address"
	case KindName:
		return "name"
	default:
		return "unknown"
	}
}

// Config is the parsed plumbing file.
type Config struct {
	Plumbing map[string]PlumbingConfig
}

// PlumbingConfig is a closed union: exactly one of Address or Name is set,
// matching Kind.
type PlumbingConfig struct {
	Kind    Kind
	Address *AddressPlumbing
	Name    *NamePlumbing
}

// AddressPlumbing forwards Source to Target.
type AddressPlumbing struct {
	Source   *net.TCPAddr
	Target   *net.TCPAddr
	Resource *ResourceConfig
}

// NamePlumbing lists the sockets created for every resolved name.
type NamePlumbing struct {
	Sockets []NameSocket `yaml:"sockets"`
}

// NameSocket maps a source port on the allocated in-address to a target
// port on the allocated out-address.
type NameSocket struct {
	SourcePort uint16          `yaml:"source_port"`
	TargetPort uint16          `yaml:"target_port"`
	Resource   *ResourceConfig `yaml:"resource,omitempty"`
}

// ResourceConfig describes the process backing a port mapping.
type ResourceConfig struct {
	Setup        CommandConfig      `yaml:"setup"`
	WarmupMillis uint64             `yaml:"warmup_millis"`
	Healthcheck  *HealthcheckConfig `yaml:"healthcheck,omitempty"`
}

// CommandConfig is a program invocation. In YAML it is either a mapping or
// a single shell-quoted string ("my-server --port 80").
type CommandConfig struct {
	Command    string   `yaml:"command"`
	Args       []string `yaml:"args,omitempty"`
	WorkingDir string   `yaml:"workingdir,omitempty"`
}

// HealthcheckConfig is polled after warmup until it exits 0 or its timeout
// is spent.
type HealthcheckConfig struct {
	Command       string   `yaml:"command"`
	Args          []string `yaml:"args,omitempty"`
	TimeoutMillis uint64   `yaml:"timeout_millis"`
}

// UnmarshalYAML accepts both the string and the mapping form.
func (c *CommandConfig) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		words, err := shellquote.Split(node.Value)
		if err != nil {
			return fmt.Errorf("line %d: invalid command %q: %w", node.Line, node.Value, err)
		}
		if len(words) == 0 {
			return fmt.Errorf("line %d: empty command", node.Line)
		}
		c.Command = words[0]
		c.Args = words[1:]
		return nil
	}
	type plain CommandConfig
	var out plain
	if err := node.Decode(&out); err != nil {
		return err
	}
	*c = CommandConfig(out)
	return nil
}

type rawPlumbing struct {
	Target   string          `yaml:"target"`
	Resource *ResourceConfig `yaml:"resource"`
	Sockets  []NameSocket    `yaml:"sockets"`
}

type rawConfig struct {
	Plumbing map[string]rawPlumbing `yaml:"plumbing"`
}

// Load reads and parses the plumbing file at path.
func Load(path string) (*Config, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	return Parse(content)
}

// Parse parses YAML content, classifies every entry and applies defaults.
func Parse(content []byte) (*Config, error) {
	var raw rawConfig
	if err := yaml.Unmarshal(content, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	cfg := &Config{Plumbing: make(map[string]PlumbingConfig, len(raw.Plumbing))}
	for key, entry := range raw.Plumbing {
		pc, err := classify(key, entry)
		if err != nil {
			return nil, fmt.Errorf("plumbing %q: %w", key, err)
		}
		cfg.Plumbing[key] = pc
	}
	return cfg, nil
}

func classify(key string, entry rawPlumbing) (PlumbingConfig, error) {
	if source, ok := parseSocket(key); ok {
		if entry.Target == "" {
			return PlumbingConfig{}, fmt.Errorf("address plumbing requires a target")
		}
		if len(entry.Sockets) > 0 {
			return PlumbingConfig{}, fmt.Errorf("address plumbing cannot declare sockets")
		}
		target, ok := parseSocket(entry.Target)
		if !ok {
			return PlumbingConfig{}, fmt.Errorf("invalid target socket %q", entry.Target)
		}
		if err := validateResource(entry.Resource); err != nil {
			return PlumbingConfig{}, err
		}
		return PlumbingConfig{
			Kind:    KindAddress,
			Address: &AddressPlumbing{Source: source, Target: target, Resource: entry.Resource},
		}, nil
	}

	if entry.Target != "" || entry.Resource != nil {
		return PlumbingConfig{}, fmt.Errorf("key is not a socket address, target/resource are not allowed")
	}
	if len(entry.Sockets) == 0 {
		return PlumbingConfig{}, fmt.Errorf("name plumbing requires at least one socket")
	}
	for i, s := range entry.Sockets {
		if s.SourcePort == 0 || s.TargetPort == 0 {
			return PlumbingConfig{}, fmt.Errorf("socket %d: source_port and target_port are required", i)
		}
		if err := validateResource(s.Resource); err != nil {
			return PlumbingConfig{}, fmt.Errorf("socket %d: %w", i, err)
		}
	}
	return PlumbingConfig{Kind: KindName, Name: &NamePlumbing{Sockets: entry.Sockets}}, nil
}

func validateResource(r *ResourceConfig) error {
	if r == nil {
		return nil
	}
	if r.Setup.Command == "" {
		return fmt.Errorf("resource setup command cannot be empty")
	}
	if r.Setup.WorkingDir == "" {
		r.Setup.WorkingDir = os.TempDir()
	}
	if r.Healthcheck != nil && r.Healthcheck.Command == "" {
		return fmt.Errorf("healthcheck command cannot be empty")
	}
	return nil
}

// parseSocket accepts IPv4 "ip:port" keys only; names never contain a port.
func parseSocket(value string) (*net.TCPAddr, bool) {
	host, portStr, err := net.SplitHostPort(value)
	if err != nil {
		return nil, false
	}
	ip := net.ParseIP(host)
	if ip == nil || ip.To4() == nil {
		return nil, false
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return nil, false
	}
	return &net.TCPAddr{IP: ip.To4(), Port: int(port)}, true
}

// Keys returns the plumbing keys in sorted order.
func (c *Config) Keys() []string {
	keys := make([]string, 0, len(c.Plumbing))
	for k := range c.Plumbing {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// NamePlumbings returns the name-based entries keyed by suffix.
func (c *Config) NamePlumbings() map[string]NamePlumbing {
	out := make(map[string]NamePlumbing)
	for k, v := range c.Plumbing {
		if v.Kind == KindName {
			out[k] = *v.Name
		}
	}
	return out
}
