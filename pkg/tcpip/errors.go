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

package tcpip

import (
	"fmt"
)

// Error represents an error in the netstack error space.
//
// The error interface is intentionally omitted to avoid loss of type
// information that would occur if these errors were passed as error.
type Error interface {
	isError()

	fmt.Stringer
}

// ErrBadLocalAddress indicates a bad local address was provided.
type ErrBadLocalAddress struct{}

func (*ErrBadLocalAddress) isError() {}

// String implements Error.
func (*ErrBadLocalAddress) String() string { return "bad local address" }

// ErrInvalidEndpointState indicates the endpoint is in an invalid state for
// the requested operation, for example a multicast join on a connected
// endpoint.
type ErrInvalidEndpointState struct{}

func (*ErrInvalidEndpointState) isError() {}

// String implements Error.
func (*ErrInvalidEndpointState) String() string { return "endpoint is in invalid state" }

// ErrInvalidOptionValue indicates an invalid option value was provided.
type ErrInvalidOptionValue struct{}

func (*ErrInvalidOptionValue) isError() {}

// String implements Error.
func (*ErrInvalidOptionValue) String() string { return "invalid option value specified" }

// ErrNetworkUnreachable indicates the destination network could not be
// reached: there is no local address, no on-link route and no gateway.
type ErrNetworkUnreachable struct{}

func (*ErrNetworkUnreachable) isError() {}

// String implements Error.
func (*ErrNetworkUnreachable) String() string { return "network is unreachable" }

// ErrMessageTooLong indicates the payload does not fit in a single frame.
type ErrMessageTooLong struct{}

func (*ErrMessageTooLong) isError() {}

// String implements Error.
func (*ErrMessageTooLong) String() string { return "message too long" }

// ErrWouldBlock indicates the operation would have blocked and the caller
// asked not to wait.
type ErrWouldBlock struct{}

func (*ErrWouldBlock) isError() {}

// String implements Error.
func (*ErrWouldBlock) String() string { return "operation would block" }

// ErrClosedForSend indicates the endpoint is closed for sends.
type ErrClosedForSend struct{}

func (*ErrClosedForSend) isError() {}

// String implements Error.
func (*ErrClosedForSend) String() string { return "endpoint is closed for send" }

// ErrClosedForReceive indicates the endpoint is closed for receives.
type ErrClosedForReceive struct{}

func (*ErrClosedForReceive) isError() {}

// String implements Error.
func (*ErrClosedForReceive) String() string { return "endpoint is closed for receive" }

// ErrConnectionRefused indicates the remote rejected a datagram, reported
// back through an ICMP destination-unreachable notification.
type ErrConnectionRefused struct{}

func (*ErrConnectionRefused) isError() {}

// String implements Error.
func (*ErrConnectionRefused) String() string { return "connection was refused" }

// ErrBroadcastDisabled indicates a broadcast send or receive was attempted
// without the broadcast option enabled on the endpoint.
type ErrBroadcastDisabled struct{}

func (*ErrBroadcastDisabled) isError() {}

// String implements Error.
func (*ErrBroadcastDisabled) String() string { return "broadcast socket option disabled" }
