package executor

import (
	"encoding/json"
	"fmt"

	"github.com/morezero/capabilities-executor/pkg/capability"
	"github.com/morezero/capabilities-executor/pkg/transport"
)

// ManifestVersion is the manifest format version produced by this module.
const ManifestVersion = "1.0.0"

// Manifest describes an executor: what it can do and where it can be reached.
type Manifest struct {
	Version      string                  `json:"version,omitempty" yaml:"version,omitempty"`
	ID           string                  `json:"id,omitempty" yaml:"id,omitempty"`
	Capabilities capability.Capabilities `json:"capabilities,omitempty" yaml:"capabilities,omitempty"`
	Addresses    transport.Addresses     `json:"addresses,omitempty" yaml:"addresses,omitempty"`

	// Clients and Peers are populated by delegating executors for introspection.
	Clients []string             `json:"clients,omitempty" yaml:"-"`
	Peers   map[string]*Manifest `json:"peers,omitempty" yaml:"-"`

	// Executor is set when the described executor lives in this process.
	Executor Executor `json:"-" yaml:"-"`
}

// Convert re-decodes a generic call result into out.
func Convert(result, out any) error {
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("executor:manifest - failed to encode result: %w", err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("executor:manifest - failed to decode result into %T: %w", out, err)
	}
	return nil
}

// ToManifest converts a manifest call result.
func ToManifest(result any) (*Manifest, error) {
	if m, ok := result.(*Manifest); ok {
		return m, nil
	}
	var m Manifest
	if err := Convert(result, &m); err != nil {
		return nil, err
	}
	return &m, nil
}
