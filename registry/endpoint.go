package registry

import (
	"fmt"

	"github.com/google/uuid"
)

// EndpointID names one configured remote RPC endpoint. It is the text form of a UUID and
// stays stable for as long as the endpoint is configured.
type EndpointID string

// NewEndpointID returns a fresh random identifier.
func NewEndpointID() EndpointID {
	return EndpointID(uuid.NewString())
}

// ParseEndpointID validates s and returns it in canonical lower-case form.
func ParseEndpointID(s string) (EndpointID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return "", fmt.Errorf("invalid endpoint id %q: %w", s, err)
	}
	return EndpointID(u.String()), nil
}

func (id EndpointID) String() string { return string(id) }

// ProviderInfo is the EIP-6963 announcement data shown to dapps for an endpoint.
type ProviderInfo struct {
	UUID string `json:"uuid" toml:"uuid"`
	Name string `json:"name" toml:"name"`
	Icon string `json:"icon" toml:"icon"` // data URI
	RDNS string `json:"rdns" toml:"rdns"`
}

// EndpointConfig is what the configuration store keeps per endpoint.
type EndpointConfig struct {
	ID      EndpointID   `json:"id"`
	Address string       `json:"address"` // ws:// or wss:// URL
	Info    ProviderInfo `json:"info"`
}
