package config

import (
	"context"
	"strings"
)

// Lookuper is a named configuration source.
type Lookuper interface {
	Lookup(ctx context.Context, name string) (string, bool, error)
}

// StaticStore serves fixed values, typically the process configuration.
type StaticStore map[string]string

func (s StaticStore) Lookup(_ context.Context, name string) (string, bool, error) {
	v, ok := s[name]
	return v, ok, nil
}

// BackendSettings exposes the backend endpoint and credential under the names
// the tutor service looks up. Blank values are left out so that a later
// source in a Chain can supply them.
func (c *Config) BackendSettings(endpointName, credentialName string) StaticStore {
	s := StaticStore{}
	if strings.TrimSpace(c.LLMAPIURL) != "" {
		s[endpointName] = c.LLMAPIURL
	}
	if strings.TrimSpace(c.LLMAPIKey) != "" {
		s[credentialName] = c.LLMAPIKey
	}
	return s
}

// Chain consults each source in order and returns the first value found.
type Chain []Lookuper

func (c Chain) Lookup(ctx context.Context, name string) (string, bool, error) {
	for _, src := range c {
		if src == nil {
			continue
		}
		v, ok, err := src.Lookup(ctx, name)
		if err != nil {
			return "", false, err
		}
		if ok {
			return v, true, nil
		}
	}
	return "", false, nil
}
