package main

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/samber/lo"
)

const redactedPrefixLen = 5

// Credential is one upstream API key. Priority is the explicit rotation
// order: lower values are tried first.
type Credential struct {
	Priority int
	Source   string
	secret   string
}

// Secret returns the raw key for use in the outgoing request header only.
func (c Credential) Secret() string { return c.secret }

// Redacted returns a short, non-identifying prefix suitable for logs.
func (c Credential) Redacted() string {
	if len(c.secret) <= redactedPrefixLen {
		return "..."
	}
	return c.secret[:redactedPrefixLen] + "..."
}

func (c Credential) String() string {
	return fmt.Sprintf("%s(%s)", c.Source, c.Redacted())
}

// CredentialSet is the ordered list of keys the dispatcher rotates through.
// It is resolved once at startup and shared read-only between requests.
type CredentialSet struct {
	creds []Credential
}

// NewCredentialSet builds a set from an explicit list; list position is the
// priority. Blank entries are dropped.
func NewCredentialSet(keys []string) *CredentialSet {
	keys = lo.Compact(lo.Map(keys, func(k string, _ int) string {
		return strings.TrimSpace(k)
	}))
	creds := make([]Credential, 0, len(keys))
	for i, k := range keys {
		creds = append(creds, Credential{
			Priority: i,
			Source:   fmt.Sprintf("config[%d]", i),
			secret:   k,
		})
	}
	return &CredentialSet{creds: creds}
}

// Len reports the number of usable credentials.
func (s *CredentialSet) Len() int {
	if s == nil {
		return 0
	}
	return len(s.creds)
}

// All returns the credentials in rotation order.
func (s *CredentialSet) All() []Credential {
	if s == nil {
		return nil
	}
	return append([]Credential(nil), s.creds...)
}

type envCredential struct {
	name  string
	value string
	rank  int
}

// credentialsFromEnviron collects every NAME=value entry whose name starts
// with prefix. The bare prefix ranks first, then numeric suffixes in numeric
// order (KEY_2 before KEY_10), then anything else by name.
func credentialsFromEnviron(environ []string, prefix string) *CredentialSet {
	if prefix == "" {
		return &CredentialSet{}
	}

	var found []envCredential
	for _, kv := range environ {
		name, value, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(name, prefix) {
			continue
		}
		value = strings.TrimSpace(value)
		if value == "" {
			continue
		}
		found = append(found, envCredential{name: name, value: value, rank: envRank(name, prefix)})
	}

	sort.SliceStable(found, func(i, j int) bool {
		if found[i].rank != found[j].rank {
			return found[i].rank < found[j].rank
		}
		return found[i].name < found[j].name
	})

	creds := make([]Credential, 0, len(found))
	for i, f := range found {
		creds = append(creds, Credential{Priority: i, Source: f.name, secret: f.value})
	}
	return &CredentialSet{creds: creds}
}

func envRank(name, prefix string) int {
	suffix := strings.TrimPrefix(name, prefix)
	if suffix == "" {
		return 0
	}
	suffix = strings.TrimPrefix(suffix, "_")
	if n, err := strconv.Atoi(suffix); err == nil && n >= 0 {
		return 1 + n
	}
	return int(^uint(0) >> 1)
}

// ResolveCredentials returns the explicit key list when one is configured and
// falls back to scanning environ for the legacy prefix convention.
func ResolveCredentials(cfg UpstreamConfig, environ []string) *CredentialSet {
	if set := NewCredentialSet(cfg.Keys); set.Len() > 0 {
		return set
	}
	return credentialsFromEnviron(environ, cfg.KeyEnvPrefix)
}
