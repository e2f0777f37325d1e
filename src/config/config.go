// Package config defines the daemon configuration and its HJSON
// serialization. Human-edited config files are HJSON; values are decoded
// into the NodeConfig struct via mapstructure so unknown keys are tolerated
// and field names are case-insensitive.
package config

import (
	"fmt"
	"net/netip"

	hjson "github.com/hjson/hjson-go/v4"
	"github.com/mitchellh/mapstructure"

	"github.com/virtnet-io/virtnet/src/core"
	"github.com/virtnet-io/virtnet/src/endpoint"
	"github.com/virtnet-io/virtnet/src/identity"
	"github.com/virtnet-io/virtnet/src/locator"
)

// RootConfig names a trusted root by its identity and signed locator, both
// in text form.
type RootConfig struct {
	Identity string `comment:"Public identity of the root in text form."`
	Locator  string `comment:"Signed locator advertising the root's physical endpoints."`
}

// TrustedPathConfig disables encryption toward a physically secure network.
type TrustedPathConfig struct {
	Network string `comment:"Remote IP (without port) of the trusted link."`
	ID      uint64 `comment:"Preshared nonzero trusted path ID. Must match the far side."`
}

// NodeConfig defines all configuration values needed to run a single node.
type NodeConfig struct {
	IdentitySecret string              `comment:"This node's identity including its private key. DO NOT share this\nwith anyone! Leave empty to generate a fresh identity on first start;\nit will be persisted in the state store."`
	Listen         []string            `comment:"UDP listen addresses in ip:port form, e.g. 0.0.0.0:793. Multiple\naddresses create multiple sockets, which helps NAT traversal on\nmulti-homed machines."`
	Roots          []RootConfig        `comment:"Trusted root servers used for peer lookup and rendezvous."`
	TrustedPaths   []TrustedPathConfig `comment:"Physically secure links on which encryption is replaced by a\npreshared path ID. Do not use this unless you fully understand the\nimplications."`
	EnableRelay    bool                `comment:"Relay packets between peers that cannot reach each other directly.\nEnable on root-like well-connected nodes only."`
	AggressiveNAT  bool                `comment:"Enable brute-force port sweeps against symmetric NATs. Generates\nbursts of outbound packets during hole punching."`
	StateDir       string              `comment:"Directory for the state database (identity, peer cache, roots)."`
	LogLevel       string              `comment:"Logging level: error, warn, info, debug or trace. virtnetd does\nnot read this value; it takes its level from the -loglevel flag."`
}

// GenerateConfig returns a config with sane defaults and no identity; the
// daemon generates and persists one on first start.
func GenerateConfig() *NodeConfig {
	return &NodeConfig{
		Listen:   []string{fmt.Sprintf("0.0.0.0:%d", core.DefaultPort)},
		LogLevel: "info",
	}
}

// LoadConfig parses an HJSON (or JSON) config file.
func LoadConfig(data []byte) (*NodeConfig, error) {
	var raw map[string]interface{}
	if err := hjson.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("error parsing configuration: %w", err)
	}
	cfg := GenerateConfig()
	if err := mapstructure.Decode(raw, cfg); err != nil {
		return nil, fmt.Errorf("error decoding configuration: %w", err)
	}
	return cfg, nil
}

// Marshal renders the config as HJSON.
func (cfg *NodeConfig) Marshal() ([]byte, error) {
	return hjson.Marshal(cfg)
}

// ParseIdentity decodes the configured identity secret, or returns nil if
// none is configured.
func (cfg *NodeConfig) ParseIdentity() (*identity.Identity, error) {
	if cfg.IdentitySecret == "" {
		return nil, nil
	}
	id, err := identity.FromString(cfg.IdentitySecret)
	if err != nil {
		return nil, fmt.Errorf("invalid IdentitySecret: %w", err)
	}
	if !id.HasPrivate() {
		return nil, fmt.Errorf("IdentitySecret is missing its private key")
	}
	return id, nil
}

// ParseRoots decodes and verifies the configured root set.
func (cfg *NodeConfig) ParseRoots() (ids []*identity.Identity, locs []*locator.Locator, err error) {
	for i, rc := range cfg.Roots {
		id, err := identity.FromString(rc.Identity)
		if err != nil {
			return nil, nil, fmt.Errorf("root %d: invalid identity: %w", i, err)
		}
		loc, err := locator.FromString(rc.Locator)
		if err != nil {
			return nil, nil, fmt.Errorf("root %d: invalid locator: %w", i, err)
		}
		if !loc.Verify(id) {
			return nil, nil, fmt.Errorf("root %d: locator signature does not verify", i)
		}
		ids = append(ids, id)
		locs = append(locs, loc)
	}
	return ids, locs, nil
}

// ParseTrustedPaths decodes the trusted path set.
func (cfg *NodeConfig) ParseTrustedPaths() ([]core.TrustedPath, error) {
	var out []core.TrustedPath
	for i, tp := range cfg.TrustedPaths {
		if tp.ID == 0 {
			return nil, fmt.Errorf("trusted path %d: ID must be nonzero", i)
		}
		ip, err := netip.ParseAddr(tp.Network)
		if err != nil {
			return nil, fmt.Errorf("trusted path %d: %w", i, err)
		}
		addr := endpoint.NewInetAddress(netip.AddrPortFrom(ip, 0))
		out = append(out, core.TrustedPath{Network: addr, ID: tp.ID})
	}
	return out, nil
}
