// Copyright 2024 The bmnet Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package netconfig

import (
	"fmt"

	"github.com/BurntSushi/toml"

	"bmnet.dev/bmnet/pkg/tcpip"
)

// fileConfig is the on-disk form of a static interface configuration.
type fileConfig struct {
	Address string `toml:"address"`
	Netmask string `toml:"netmask"`
	Gateway string `toml:"gateway"`
}

// LoadFile reads a static interface configuration from a TOML file.
//
// The file holds dotted-quad strings:
//
//	address = "192.168.1.10"
//	netmask = "255.255.255.0"
//	gateway = "192.168.1.1"
//
// address and netmask are required; gateway is optional.
func LoadFile(path string) (*NetConfig, error) {
	var fc fileConfig
	if _, err := toml.DecodeFile(path, &fc); err != nil {
		return nil, fmt.Errorf("netconfig: decoding %s: %w", path, err)
	}
	return fromFileConfig(&fc)
}

// Load reads a static interface configuration from TOML data.
func Load(data string) (*NetConfig, error) {
	var fc fileConfig
	if _, err := toml.Decode(data, &fc); err != nil {
		return nil, fmt.Errorf("netconfig: decoding config: %w", err)
	}
	return fromFileConfig(&fc)
}

func fromFileConfig(fc *fileConfig) (*NetConfig, error) {
	if fc.Address == "" || fc.Netmask == "" {
		return nil, fmt.Errorf("netconfig: address and netmask are required")
	}

	addr, err := ParseAddress(fc.Address)
	if err != nil {
		return nil, err
	}
	mask, err := ParseAddress(fc.Netmask)
	if err != nil {
		return nil, err
	}

	c := New()
	c.SetNetmask(tcpip.AddressMask(mask.As4()))
	c.SetAddress(addr)

	if fc.Gateway != "" {
		gw, err := ParseAddress(fc.Gateway)
		if err != nil {
			return nil, err
		}
		c.SetGateway(gw)
	}
	return c, nil
}
