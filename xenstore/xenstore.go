// Package xenstore provides a minimal client for the hierarchical key-value
// store the toolstack shares with guest domains.  Only the operations the
// iostat collector needs are exposed: reading a single value and listing the
// children of a path.
package xenstore

import (
	"errors"
	"os/exec"
	"strings"
)

var (
	// ErrNotFound is returned when a path does not exist in the store.
	ErrNotFound = errors.New("xenstore: path not found")
)

type (
	// Client is the store contract the collector consumes.  Production code
	// uses ToolClient; tests use InMemory.
	Client interface {
		// Read returns the value stored at path, or ErrNotFound.
		Read(path string) (string, error)
		// List returns the immediate child names of path, or ErrNotFound.
		List(path string) ([]string, error)
	}

	// ToolClient shells out to the xenstore command-line tool.  The store
	// protocol itself is owned by the toolstack; driving the tool keeps this
	// package free of a wire-protocol implementation.
	ToolClient struct {
		// Tool is the binary to invoke.  Defaults to "xenstore".
		Tool string
	}
)

// NewToolClient creates a ToolClient for the given binary, or the default
// "xenstore" when empty.
func NewToolClient(tool string) *ToolClient {
	if tool == "" {
		tool = "xenstore"
	}
	return &ToolClient{Tool: tool}
}

func (c *ToolClient) run(args ...string) (string, error) {
	out, err := exec.Command(c.Tool, args...).Output()
	if err != nil {
		if _, ok := err.(*exec.ExitError); ok {
			// The tool exits non-zero for missing paths
			return "", ErrNotFound
		}
		return "", err
	}
	return strings.TrimRight(string(out), "\n"), nil
}

// Read returns the value stored at path.
func (c *ToolClient) Read(path string) (string, error) {
	return c.run("read", path)
}

// List returns the immediate children of path.
func (c *ToolClient) List(path string) ([]string, error) {
	out, err := c.run("list", path)
	if err != nil {
		return nil, err
	}
	if out == "" {
		return nil, nil
	}
	return strings.Split(out, "\n"), nil
}

// Join builds a store path from components.
func Join(parts ...string) string {
	return strings.Join(parts, "/")
}
