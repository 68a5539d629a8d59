// SPDX-FileCopyrightText: 2024 rrtcp-go contributors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package tcptransport

import (
	"github.com/rrtcp/rrtcp-go/pkg/discovery"
	"github.com/rrtcp/rrtcp-go/pkg/message"
	"github.com/rrtcp/rrtcp-go/pkg/nodeid"
)

// Node is the owner of a Transport, receiving its messages.
type Node interface {
	NodeID() nodeid.NodeID
	NodeName() string

	// MessageReceived is called from a connection's reader for every application Message.
	MessageReceived(msg *message.Message)

	// TransportConnectionClosed is called once after an established connection was closed.
	TransportConnectionClosed(endpoint uint32)
}

// NodeDetector may be implemented by a Node to be informed about nodes found by discovery.
type NodeDetector interface {
	NodeDetected(info discovery.NodeInfo)
}

// ServiceStateNoncer may be implemented by a Node to announce a nonce changing with its services.
type ServiceStateNoncer interface {
	ServiceStateNonce() string
}
