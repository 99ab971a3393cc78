// Copyright 2024 Acnodal Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package "config" provides code for parsing and validating
// configuration data.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	v1 "vxlanmesh.io/pkg/apis/v1"
)

// Device backends.
const (
	BackendScript  = "script"
	BackendNetlink = "netlink"
)

// HexUint32 is a uint32 that can be written in YAML either as a
// decimal number or as a "0x"-prefixed hex string. net_flag is
// traditionally written in hex.
type HexUint32 uint32

func (h *HexUint32) UnmarshalYAML(node *yaml.Node) error {
	v, err := strconv.ParseUint(node.Value, 0, 32)
	if err != nil {
		return fmt.Errorf("invalid uint32 %q: %w", node.Value, err)
	}
	*h = HexUint32(v)
	return nil
}

func (h HexUint32) String() string {
	return fmt.Sprintf("0x%08X", uint32(h))
}

// Config is the agent configuration.
type Config struct {
	MachineID string      `yaml:"machine_id"`
	NetType   string      `yaml:"net_type" validate:"required"`
	NetFlag   HexUint32   `yaml:"net_flag" validate:"required"`
	NodeType  v1.NodeType `yaml:"node_type" validate:"min=0,max=2"`

	// ListenIP is the address the multicast receiver binds to.
	ListenIP string `yaml:"listen_ip" validate:"required,ipv4"`
	// ListenPort is advertised to peers as our service port.
	ListenPort int `yaml:"listen_port" validate:"min=1,max=65535"`

	MulticastAddress   string `yaml:"multicast_address" validate:"required,ipv4"`
	MulticastPort      int    `yaml:"multicast_port" validate:"min=1,max=65535"`
	MulticastInterface string `yaml:"multicast_interface"`

	DataDir   string `yaml:"data_dir" validate:"required"`
	ShellPath string `yaml:"shell_path" validate:"required"`

	DeviceBackend    string        `yaml:"device_backend" validate:"oneof=script netlink"`
	VxlanGroup       string        `yaml:"vxlan_group" validate:"omitempty,ipv4"`
	VxlanPort        int           `yaml:"vxlan_port" validate:"min=1,max=65535"`
	VxlanDevice      string        `yaml:"vxlan_device"`
	ProvisionTimeout time.Duration `yaml:"provision_timeout" validate:"gt=0"`

	MetricsHost string `yaml:"metrics_host"`
	MetricsPort int    `yaml:"metrics_port" validate:"min=0,max=65535"`
	APIAddress  string `yaml:"api_address" validate:"omitempty,hostname_port"`

	AdvertiseInterval   time.Duration `yaml:"advertise_interval" validate:"gt=0"`
	PeerTimeout         time.Duration `yaml:"peer_timeout" validate:"gtfield=AdvertiseInterval"`
	NetworkListInterval time.Duration `yaml:"network_list_interval" validate:"gt=0"`
	GCInterval          time.Duration `yaml:"gc_interval" validate:"gt=0"`
	NetworkIdle         time.Duration `yaml:"network_idle" validate:"gt=0"`
	NetworkExpiry       time.Duration `yaml:"network_expiry" validate:"gt=0"`
	ResumeDelay         time.Duration `yaml:"resume_delay" validate:"gt=0"`
}

// Default returns a Config populated with the defaults that the
// fleet has always used.
func Default() *Config {
	return &Config{
		NetType:             "mainnet",
		NetFlag:             0xF1E1B0F9,
		NodeType:            v1.NodeCompute,
		ListenIP:            "0.0.0.0",
		ListenPort:          5001,
		MulticastAddress:    "239.255.0.1",
		MulticastPort:       30001,
		DataDir:             "/var/lib/vxlan-agent",
		ShellPath:           "/opt/vxlan-agent/shell",
		DeviceBackend:       BackendScript,
		VxlanGroup:          "239.1.1.1",
		VxlanPort:           4789,
		ProvisionTimeout:    60 * time.Second,
		MetricsPort:         7472,
		APIAddress:          "127.0.0.1:5050",
		AdvertiseInterval:   50 * time.Second,
		PeerTimeout:         300 * time.Second,
		NetworkListInterval: 60 * time.Second,
		GCInterval:          10 * time.Minute,
		NetworkIdle:         72 * time.Hour,
		NetworkExpiry:       72 * time.Hour,
		ResumeDelay:         2 * time.Minute,
	}
}

// Load reads the YAML file at path on top of the defaults. An empty
// path returns the defaults. The result is not validated; call
// Validate once flags have been applied.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks that the config is usable.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return fmt.Errorf("invalid config field %s: failed %q check", verrs[0].Field(), verrs[0].Tag())
		}
		return err
	}
	return nil
}

// WireNetFlag returns NetFlag the way it's sent in machine info
// messages.
func (c *Config) WireNetFlag() int32 {
	return int32(uint32(c.NetFlag))
}

// StorePath returns the location of the network database.
func (c *Config) StorePath() string {
	return filepath.Join(c.DataDir, "network.db")
}
