package inventory

import (
	"errors"
	"fmt"

	"gopkg.in/yaml.v3"
)

// HostCommands is the ordered command list for one host of a batch.
type HostCommands struct {
	Host     string
	Commands []string
}

// CommandBatch is the full set of per-host command sequences needed to start
// or stop a task. Hosts run in slice order, commands in list order.
//
// In YAML it is written as a mapping from host name to command list:
//
//	command:
//	  node1:
//	    - systemctl start game@survival
//	  node2:
//	    - /opt/proxy/start.sh
type CommandBatch []HostCommands

func (b *CommandBatch) UnmarshalYAML(node *yaml.Node) error {
	hosts, lists, err := decodeOrdered[[]string](node)
	if err != nil {
		return err
	}
	out := make(CommandBatch, 0, len(hosts))
	for i, h := range hosts {
		out = append(out, HostCommands{Host: h, Commands: lists[i]})
	}
	*b = out
	return nil
}

// Hosts returns the host names in execution order.
func (b CommandBatch) Hosts() []string {
	out := make([]string, 0, len(b))
	for _, hc := range b {
		out = append(out, hc.Host)
	}
	return out
}

// CommandCount is the total number of commands across all hosts.
func (b CommandBatch) CommandCount() int {
	n := 0
	for _, hc := range b {
		n += len(hc.Commands)
	}
	return n
}

func (b CommandBatch) check(hosts map[string]bool) error {
	var errs []error
	dup := make(map[string]bool, len(b))
	for _, hc := range b {
		if !hosts[hc.Host] {
			errs = append(errs, fmt.Errorf("host %q is not configured", hc.Host))
		}
		if dup[hc.Host] {
			errs = append(errs, fmt.Errorf("host %q listed twice", hc.Host))
		}
		dup[hc.Host] = true
		for i, cmd := range hc.Commands {
			if cmd == "" {
				errs = append(errs, fmt.Errorf("host %q: command %d is empty", hc.Host, i+1))
			}
		}
	}
	return errors.Join(errs...)
}
