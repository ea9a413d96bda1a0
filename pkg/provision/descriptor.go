// Package provision turns a user's declared tool references into normalized
// connection descriptors, downloading and installing tool artifacts from the
// tool market as needed.
package provision

import "fmt"

// Transport identifies how a provisioned tool is reached.
type Transport string

const (
	// TransportStdio runs the tool as a local subprocess speaking MCP over
	// standard streams.
	TransportStdio Transport = "stdio"
	// TransportRemote connects to a tool served at a remote endpoint.
	TransportRemote Transport = "sse"
)

// ConnectionDescriptor tells the agent layer how to reach one tool.
// Descriptors are rebuilt on every initialization and never persisted.
type ConnectionDescriptor struct {
	Name      string
	Transport Transport

	// Subprocess transport.
	Command string
	Args    []string
	Env     map[string]string

	// Remote transport.
	URL string
}

func (d ConnectionDescriptor) String() string {
	if d.Transport == TransportRemote {
		return fmt.Sprintf("%s (%s %s)", d.Name, d.Transport, d.URL)
	}
	return fmt.Sprintf("%s (%s %s)", d.Name, d.Transport, d.Command)
}
