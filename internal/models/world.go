package models

import (
	"time"
)

// WorldStatus represents the current lifecycle state of a world
type WorldStatus string

const (
	StatusAbsent    WorldStatus = "absent"
	StatusCreating  WorldStatus = "creating"
	StatusRunning   WorldStatus = "running"
	StatusResetting WorldStatus = "resetting"
	StatusStopping  WorldStatus = "stopping"
	StatusStopped   WorldStatus = "stopped"
	StatusFailed    WorldStatus = "failed"
)

// IsTerminal returns true if the status is a terminal state
func (s WorldStatus) IsTerminal() bool {
	return s == StatusStopped || s == StatusFailed || s == StatusAbsent
}

// IsRunning returns true if the world is currently running
func (s WorldStatus) IsRunning() bool {
	return s == StatusRunning
}

// InFlight returns true while a lifecycle operation is still working on
// the world
func (s WorldStatus) InFlight() bool {
	return s == StatusCreating || s == StatusResetting || s == StatusStopping
}

// World is one live instantiation of an event's blueprint for one
// participant identity
type World struct {
	ID          string                   `json:"id"`
	EventName   string                   `json:"event"`
	Identity    string                   `json:"identity"`
	Status      WorldStatus              `json:"status"`
	StatusMsg   string                   `json:"status_message,omitempty"`
	FailedStage string                   `json:"failed_stage,omitempty"`
	CreatedAt   time.Time                `json:"created_at"`
	StartedAt   *time.Time               `json:"started_at,omitempty"`
	Flags       map[string]string        `json:"-"` // challenge slug -> flag value, never serialized
	Ports       map[string]int           `json:"ports,omitempty"` // service name -> host port
	Peer        *WireguardPeer           `json:"peer,omitempty"`
	Services    map[string]*ServiceState `json:"services,omitempty"`
}

// StackName returns the deterministic orchestrator name for the world's
// deployment unit. Duplicate creates collide on this name instead of
// duplicating resources.
func (w *World) StackName() string {
	return "crl-" + w.EventName + "-" + w.Identity
}

// ServiceState reports runtime health of one deployed service
type ServiceState struct {
	Name        string `json:"name"`
	ContainerID string `json:"container_id,omitempty"`
	State       string `json:"state"`
	Healthy     bool   `json:"healthy"`
	Endpoint    string `json:"endpoint,omitempty"`
}

// WireguardPeer binds a world to its VPN identity
type WireguardPeer struct {
	PrivateKey      string `json:"private_key"`
	PublicKey       string `json:"public_key"`
	Address         string `json:"address"` // assigned tunnel IP
	ServerPublicKey string `json:"server_public_key"`
	ServerEndpoint  string `json:"server_endpoint"`
	Config          string `json:"-"` // rendered client config, fetched explicitly
}

// ListFilters defines filters for listing worlds
type ListFilters struct {
	EventName string
	Status    WorldStatus
	Limit     int
	Offset    int
}
