package stash

import (
	"github.com/anvil-build/anvil/internal/config"
)

// FromConfig assembles the configured backend chain: the local directory
// first (cheapest), then S3. Returns nil when no backend is configured.
func FromConfig(cfg config.StashConfig) (Backend, error) {
	var backends []Backend
	if cfg.LocalDir != "" {
		local, err := NewLocal(cfg.LocalDir)
		if err != nil {
			return nil, err
		}
		backends = append(backends, local)
	}
	if cfg.S3 != nil {
		remote, err := NewS3(cfg.S3)
		if err != nil {
			return nil, err
		}
		backends = append(backends, remote)
	}
	switch len(backends) {
	case 0:
		return nil, nil
	case 1:
		return backends[0], nil
	default:
		return NewChain(backends...), nil
	}
}
