package inventory

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Catalog is the immutable set of hosts, tasks and ping targets loaded at
// startup. Slices keep the order in which entries appear in the YAML file.
type Catalog struct {
	Hosts     []Host
	ProbeHost string
	Tasks     []Task
	Ping      []PingTarget
}

type Host struct {
	Name        string `yaml:"-"`
	Address     string `yaml:"address" validate:"required"`
	Port        int    `yaml:"port" validate:"gte=0,lte=65535"`
	User        string `yaml:"user"`
	Password    string `yaml:"password"`
	PasswordEnv string `yaml:"password_env"` // e.g. SSH_PASS_NODE1
	KeyPath     string `yaml:"key_path"`
}

// Addr returns address:port, the connection pool key.
func (h Host) Addr() string {
	return net.JoinHostPort(h.Address, strconv.Itoa(h.Port))
}

// ResolvePassword returns the literal password, or the value of PasswordEnv.
func (h Host) ResolvePassword() string {
	if h.Password != "" {
		return h.Password
	}
	if h.PasswordEnv != "" {
		return os.Getenv(h.PasswordEnv)
	}
	return ""
}

type Task struct {
	Name            string       `yaml:"-"`
	ID              int          `yaml:"id"`
	Command         CommandBatch `yaml:"command"`
	ShutdownCommand CommandBatch `yaml:"shutdown_command"`
	Telnet          string       `yaml:"telnet" validate:"required,hostname_port"`
	MaxTime         *int         `yaml:"max_time" validate:"omitempty,gt=0"`
	AllowedTimes    []int        `yaml:"allowed_times" validate:"dive,gt=0"`
}

type PingTarget struct {
	Name string `yaml:"-"`
	IP   string `yaml:"ip" validate:"required"`
}

// Host looks up a host by name.
func (c *Catalog) Host(name string) (Host, bool) {
	for _, h := range c.Hosts {
		if h.Name == name {
			return h, true
		}
	}
	return Host{}, false
}

// Task looks up a task by name.
func (c *Catalog) Task(name string) (Task, bool) {
	for _, t := range c.Tasks {
		if t.Name == name {
			return t, true
		}
	}
	return Task{}, false
}

// Prober returns the host used to run liveness checks: probe_host when set,
// otherwise the first configured host.
func (c *Catalog) Prober() (Host, bool) {
	if c.ProbeHost != "" {
		return c.Host(c.ProbeHost)
	}
	if len(c.Hosts) == 0 {
		return Host{}, false
	}
	return c.Hosts[0], true
}

func (c *Catalog) UnmarshalYAML(node *yaml.Node) error {
	var raw struct {
		Hosts     yaml.Node `yaml:"hosts"`
		ProbeHost string    `yaml:"probe_host"`
		Tasks     yaml.Node `yaml:"tasks"`
		Ping      yaml.Node `yaml:"ping"`
	}
	if err := node.Decode(&raw); err != nil {
		return err
	}

	hostNames, hosts, err := decodeOrdered[Host](&raw.Hosts)
	if err != nil {
		return fmt.Errorf("hosts: %w", err)
	}
	for i := range hosts {
		hosts[i].Name = hostNames[i]
	}

	taskNames, tasks, err := decodeOrdered[Task](&raw.Tasks)
	if err != nil {
		return fmt.Errorf("tasks: %w", err)
	}
	for i := range tasks {
		tasks[i].Name = taskNames[i]
	}

	pingNames, pings, err := decodeOrdered[PingTarget](&raw.Ping)
	if err != nil {
		return fmt.Errorf("ping: %w", err)
	}
	for i := range pings {
		pings[i].Name = pingNames[i]
	}

	c.Hosts = hosts
	c.ProbeHost = raw.ProbeHost
	c.Tasks = tasks
	c.Ping = pings
	return nil
}

func Load(path string) (*Catalog, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	return Parse(b)
}

// Parse decodes, normalizes and validates a catalog document.
func Parse(b []byte) (*Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(b, &c); err != nil {
		return nil, fmt.Errorf("yaml unmarshal: %w", err)
	}
	c.Normalize()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Normalize fills in defaults.
func (c *Catalog) Normalize() {
	for i := range c.Hosts {
		h := &c.Hosts[i]
		if h.Port == 0 {
			h.Port = 22
		}
		if h.User == "" {
			h.User = "root"
		}
	}
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks field constraints and cross references between tasks and
// hosts. All problems are reported together.
func (c *Catalog) Validate() error {
	var errs []error

	seen := make(map[string]bool, len(c.Hosts))
	for _, h := range c.Hosts {
		if err := validate.Struct(h); err != nil {
			errs = append(errs, fmt.Errorf("host %q: %w", h.Name, err))
		}
		if h.KeyPath == "" && h.Password == "" && h.PasswordEnv == "" {
			errs = append(errs, fmt.Errorf("host %q: no authentication method configured", h.Name))
		}
		seen[h.Name] = true
	}

	if c.ProbeHost != "" && !seen[c.ProbeHost] {
		errs = append(errs, fmt.Errorf("probe_host %q is not a configured host", c.ProbeHost))
	}

	for _, t := range c.Tasks {
		if err := validate.Struct(t); err != nil {
			errs = append(errs, fmt.Errorf("task %q: %w", t.Name, err))
		}
		for _, batch := range []struct {
			field string
			b     CommandBatch
		}{{"command", t.Command}, {"shutdown_command", t.ShutdownCommand}} {
			if err := batch.b.check(seen); err != nil {
				errs = append(errs, fmt.Errorf("task %q %s: %w", t.Name, batch.field, err))
			}
		}
	}

	for _, p := range c.Ping {
		if err := validate.Struct(p); err != nil {
			errs = append(errs, fmt.Errorf("ping %q: %w", p.Name, err))
		}
	}

	return errors.Join(errs...)
}

// decodeOrdered decodes a YAML mapping into values, keeping document order.
// An absent or null node decodes to nothing.
func decodeOrdered[T any](node *yaml.Node) ([]string, []T, error) {
	if node.Kind == 0 || (node.Kind == yaml.ScalarNode && node.Tag == "!!null") {
		return nil, nil, nil
	}
	if node.Kind != yaml.MappingNode {
		return nil, nil, fmt.Errorf("line %d: expected a mapping", node.Line)
	}

	n := len(node.Content) / 2
	names := make([]string, 0, n)
	values := make([]T, 0, n)
	for i := 0; i+1 < len(node.Content); i += 2 {
		key, val := node.Content[i], node.Content[i+1]
		var v T
		if err := val.Decode(&v); err != nil {
			return nil, nil, fmt.Errorf("%s: %w", key.Value, err)
		}
		names = append(names, key.Value)
		values = append(values, v)
	}
	return names, values, nil
}
