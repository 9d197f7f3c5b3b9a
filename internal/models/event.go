package models

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"
)

// Name validation mirrors what the scoring platform accepts for
// registration usernames, so identities can double as platform accounts.
const (
	NameMinLen = 4
	NameMaxLen = 32
)

var nameRegexp = regexp.MustCompile(`^[a-z0-9-]+$`)

// ErrInvalidName marks event or identity names the engine rejects
var ErrInvalidName = errors.New("invalid name")

// ValidateName checks an event or identity name and returns its
// normalized (lowercased) form
func ValidateName(name string) (string, error) {
	name = strings.ToLower(name)
	if len(name) < NameMinLen || len(name) > NameMaxLen || !nameRegexp.MatchString(name) {
		return "", fmt.Errorf("%w: %q must be %d-%d lowercase alphanumeric characters or dashes", ErrInvalidName, name, NameMinLen, NameMaxLen)
	}
	return name, nil
}

// Event pairs a blueprint with a scoring-platform instance and per-event
// configuration. Created once, long-lived, owns its worlds.
type Event struct {
	Name         string            `json:"name"`
	Title        string            `json:"title,omitempty"`
	Blueprint    string            `json:"blueprint"`
	CTFURL       string            `json:"ctf_url,omitempty"`
	CTFToken     string            `json:"-"` // admin credential, never serialized
	ExternalURL  string            `json:"external_url"`
	FlagFormat   string            `json:"flag_format,omitempty"` // flag prefix, default "flag"
	VPNEnabled   bool              `json:"vpn_enabled"`
	VPNSubnet    string            `json:"vpn_subnet,omitempty"` // e.g. 10.13.13.0/24
	VPNServerKey string            `json:"-"`                    // server tunnel private key, base64
	VPNServerPub string            `json:"vpn_server_public_key,omitempty"`
	WorldTTL     time.Duration     `json:"world_ttl,omitempty"` // 0 means worlds are never reaped
	SharedFlags  map[string]string `json:"-"`                   // challenge slug -> event-scoped flag
	ChallengeIDs map[string]int    `json:"-"`                   // challenge slug -> scoring-platform ID
	CreatedAt    time.Time         `json:"created_at"`
}

// FlagPrefix returns the flag prefix for the event
func (e *Event) FlagPrefix() string {
	if e.FlagFormat != "" {
		return e.FlagFormat
	}
	return "flag"
}

// CreateEventRequest registers a new event from a stored blueprint
type CreateEventRequest struct {
	Name        string `json:"name"`
	Title       string `json:"title,omitempty"`
	Blueprint   string `json:"blueprint"`
	CTFURL      string `json:"ctf_url,omitempty"`
	CTFToken    string `json:"ctf_token,omitempty"`
	ExternalURL string `json:"external_url"`
	FlagFormat  string `json:"flag_format,omitempty"`
	VPNEnabled  bool   `json:"vpn_enabled"`
	VPNSubnet   string `json:"vpn_subnet,omitempty"`
	WorldTTL    string `json:"world_ttl,omitempty"` // duration string, e.g. "72h"
}
