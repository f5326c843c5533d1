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

package netconfig_test

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"bmnet.dev/bmnet/pkg/tcpip"
	"bmnet.dev/bmnet/pkg/tcpip/netconfig"
)

func TestBroadcastDerivation(t *testing.T) {
	c := netconfig.New()

	if got := c.Snapshot(); got.Broadcast.IsSet() {
		t.Errorf("got broadcast %s before any address, want unset", got.Broadcast)
	}

	c.SetNetmask(tcpip.AddressMask{255, 255, 255, 0})
	c.SetAddress(tcpip.AddrFrom4([4]byte{192, 168, 1, 10}))

	want := tcpip.AddrFrom4([4]byte{192, 168, 1, 255})
	if got := c.Snapshot().Broadcast; got != want {
		t.Errorf("got broadcast %s, want %s", got, want)
	}

	// A shorter prefix moves the broadcast address.
	c.SetNetmask(tcpip.AddressMask{255, 255, 0, 0})
	want = tcpip.AddrFrom4([4]byte{192, 168, 255, 255})
	if got := c.Snapshot().Broadcast; got != want {
		t.Errorf("got broadcast %s, want %s", got, want)
	}
}

func TestReset(t *testing.T) {
	c := netconfig.New()
	c.SetNetmask(tcpip.AddressMask{255, 255, 255, 0})
	c.SetAddress(tcpip.AddrFrom4([4]byte{192, 168, 1, 10}))
	c.SetGateway(tcpip.AddrFrom4([4]byte{192, 168, 1, 1}))

	c.Reset()

	snap := c.Snapshot()
	if snap.Address.IsSet() || snap.Broadcast.IsSet() || snap.Gateway.IsSet() {
		t.Errorf("configuration not cleared by Reset: %+v", snap)
	}
}

func TestParseAddress(t *testing.T) {
	tests := []struct {
		in      string
		want    tcpip.Address
		wantErr bool
	}{
		{in: "192.168.1.10", want: tcpip.AddrFrom4([4]byte{192, 168, 1, 10})},
		{in: "0.0.0.0", want: tcpip.AddrFrom4([4]byte{0, 0, 0, 0})},
		{in: "255.255.255.255", want: tcpip.AddrFrom4([4]byte{255, 255, 255, 255})},
		{in: "256.0.0.1", wantErr: true},
		{in: "1.2.3", wantErr: true},
		{in: "1.2.3.4.5", wantErr: true},
		{in: "a.b.c.d", wantErr: true},
		{in: "", wantErr: true},
	}

	for _, test := range tests {
		got, err := netconfig.ParseAddress(test.in)
		if test.wantErr {
			if err == nil {
				t.Errorf("ParseAddress(%q) = %s, want error", test.in, got)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseAddress(%q) = %s", test.in, err)
			continue
		}
		if got != test.want {
			t.Errorf("ParseAddress(%q) = %s, want %s", test.in, got, test.want)
		}
	}
}

func TestLoad(t *testing.T) {
	c, err := netconfig.Load(`
address = "192.168.1.10"
netmask = "255.255.255.0"
gateway = "192.168.1.1"
`)
	if err != nil {
		t.Fatalf("Load() = %s", err)
	}

	want := netconfig.Snapshot{
		Address:   tcpip.AddrFrom4([4]byte{192, 168, 1, 10}),
		Netmask:   tcpip.AddressMask{255, 255, 255, 0},
		Broadcast: tcpip.AddrFrom4([4]byte{192, 168, 1, 255}),
		Gateway:   tcpip.AddrFrom4([4]byte{192, 168, 1, 1}),
	}
	if diff := cmp.Diff(want, c.Snapshot(), cmp.AllowUnexported(tcpip.Address{})); diff != "" {
		t.Errorf("snapshot mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadOptionalGateway(t *testing.T) {
	c, err := netconfig.Load(`
address = "10.0.0.5"
netmask = "255.0.0.0"
`)
	if err != nil {
		t.Fatalf("Load() = %s", err)
	}
	if got := c.Snapshot().Gateway; got.IsSet() {
		t.Errorf("got gateway %s, want unset", got)
	}
}

func TestLoadErrors(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{name: "missing address", data: `netmask = "255.255.255.0"`},
		{name: "missing netmask", data: `address = "10.0.0.5"`},
		{name: "bad address", data: "address = \"10.0.0\"\nnetmask = \"255.0.0.0\""},
		{name: "not toml", data: `address: 10.0.0.5`},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			if c, err := netconfig.Load(test.data); err == nil {
				t.Errorf("Load() = %+v, want error", c.Snapshot())
			}
		})
	}
}
