// Package tools connects to provisioned MCP tool servers and exposes their
// capabilities as callable tools.
package tools

import (
	"context"
	"fmt"

	"github.com/kadirpekel/mcpchat/pkg/provision"
)

// Tool is a single callable capability exposed by a tool server.
type Tool interface {
	GetName() string
	GetDescription() string

	// GetParameters returns the tool's JSON schema for its arguments.
	GetParameters() map[string]interface{}

	Call(ctx context.Context, args map[string]interface{}) (string, error)
}

// Toolset is an open connection to one tool server and the tools it exposes.
// Close is safe to call more than once.
type Toolset interface {
	GetName() string
	GetTools() []Tool
	Close() error
}

// Connect opens a connection for one descriptor and enumerates its tools.
func Connect(ctx context.Context, descriptor provision.ConnectionDescriptor) (Toolset, error) {
	switch descriptor.Transport {
	case provision.TransportStdio:
		return connectStdio(ctx, descriptor)
	case provision.TransportRemote:
		return connectRemote(ctx, descriptor)
	default:
		return nil, fmt.Errorf("unsupported transport %q for tool %q", descriptor.Transport, descriptor.Name)
	}
}
