package models

// FlagMode controls whether a challenge's flag is shared by every world
// of an event or minted per world
type FlagMode string

const (
	FlagShared     FlagMode = "shared"
	FlagIndividual FlagMode = "individual"
)

// Challenge is one scored unit with one flag per world
type Challenge struct {
	Slug           string   `yaml:"slug" json:"slug"`
	Name           string   `yaml:"name" json:"name"`
	Category       string   `yaml:"category" json:"category,omitempty"`
	Description    string   `yaml:"description" json:"description"`
	Value          int      `yaml:"value" json:"value"`
	FlagMode       FlagMode `yaml:"flag-mode" json:"flag_mode"`
	DefaultFlag    string   `yaml:"default-flag" json:"-"`
	ConnectionInfo string   `yaml:"connection-info" json:"connection_info,omitempty"`
	Files          []string `yaml:"files" json:"files,omitempty"`
}

// Blueprint is a declarative template of challenges plus topology,
// reusable across events
type Blueprint struct {
	Name       string        `yaml:"name" json:"name"`
	FlagFormat string        `yaml:"flag-format" json:"flag_format,omitempty"`
	Challenges []Challenge   `yaml:"challenges" json:"challenges"`
	Networks   []Network     `yaml:"networks" json:"networks"`
	Services   []ServiceSpec `yaml:"services" json:"services"`
}

// Challenge returns the challenge with the given slug, or nil
func (b *Blueprint) Challenge(slug string) *Challenge {
	for i := range b.Challenges {
		if b.Challenges[i].Slug == slug {
			return &b.Challenges[i]
		}
	}
	return nil
}

// Network declares a per-world network. Internal networks carry no
// externally published traffic.
type Network struct {
	Name     string `yaml:"name" json:"name"`
	Internal bool   `yaml:"internal" json:"internal"`
}

// ServiceSpec declares one container of the topology
type ServiceSpec struct {
	Name      string            `yaml:"name" json:"name"`
	Image     string            `yaml:"image" json:"image"`
	Challenge string            `yaml:"challenge" json:"challenge,omitempty"`
	Env       map[string]string `yaml:"env" json:"env,omitempty"`
	Networks  []string          `yaml:"networks" json:"networks"`
	Command   []string          `yaml:"command" json:"command,omitempty"`
	Publish   []PublishSpec     `yaml:"publish" json:"publish,omitempty"`
}

// PublishSpec requests one host-published port for a service. The host
// port is unknown until the port broker assigns one.
type PublishSpec struct {
	Name          string `yaml:"name" json:"name"`
	ContainerPort int    `yaml:"port" json:"port"`
	Protocol      string `yaml:"protocol" json:"protocol"`
}
