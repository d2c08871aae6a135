package p4node

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
)

// ChassisConfig describes the nodes and ports of one chassis. It is
// pushed to every node and to every collaborator of that node.
type ChassisConfig struct {
	Name  string       `toml:"name"`
	Nodes []NodeConfig `toml:"node"`
	Ports []PortConfig `toml:"port"`
}

// NodeConfig describes one switching ASIC.
type NodeConfig struct {
	ID   uint64 `toml:"id"`
	Name string `toml:"name"`
	Unit int    `toml:"unit"`
	Slot int    `toml:"slot"`
}

// PortConfig describes a singleton front-panel port.
type PortConfig struct {
	ID       uint32 `toml:"id"`
	Name     string `toml:"name"`
	NodeID   uint64 `toml:"node"`
	Slot     int    `toml:"slot"`
	Port     int    `toml:"port"`
	SpeedBps uint64 `toml:"speed_bps"`
}

// LoadChassisConfig decodes a chassis config TOML file.
func LoadChassisConfig(path string) (*ChassisConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read chassis config: %w", err)
	}
	var cfg ChassisConfig
	if _, err := toml.Decode(string(data), &cfg); err != nil {
		return nil, fmt.Errorf("parse chassis config %s: %w", path, err)
	}
	return &cfg, nil
}

// Node returns the config of the node with the given id.
func (c *ChassisConfig) Node(id uint64) (NodeConfig, bool) {
	for _, n := range c.Nodes {
		if n.ID == id {
			return n, true
		}
	}
	return NodeConfig{}, false
}

// PortsForNode returns the ports that belong to the given node.
func (c *ChassisConfig) PortsForNode(id uint64) []PortConfig {
	var ports []PortConfig
	for _, p := range c.Ports {
		if p.NodeID == id {
			ports = append(ports, p)
		}
	}
	return ports
}

// Validate checks ids for uniqueness and ports for known nodes.
func (c *ChassisConfig) Validate() error {
	nodes := make(map[uint64]bool)
	units := make(map[int]bool)
	for _, n := range c.Nodes {
		if n.ID == 0 {
			return Errorf(CodeInvalidParam, "node %q has no id", n.Name)
		}
		if nodes[n.ID] {
			return Errorf(CodeInvalidParam, "duplicate node id %d", n.ID)
		}
		if units[n.Unit] {
			return Errorf(CodeInvalidParam, "duplicate unit %d", n.Unit)
		}
		nodes[n.ID] = true
		units[n.Unit] = true
	}
	ports := make(map[uint32]bool)
	for _, p := range c.Ports {
		if p.ID == 0 {
			return Errorf(CodeInvalidParam, "port %q has no id", p.Name)
		}
		if ports[p.ID] {
			return Errorf(CodeInvalidParam, "duplicate port id %d", p.ID)
		}
		if !nodes[p.NodeID] {
			return Errorf(CodeInvalidParam, "port %d refers to unknown node %d", p.ID, p.NodeID)
		}
		ports[p.ID] = true
	}
	return nil
}
