package sysroot

import (
	"path/filepath"
	"sort"
	"time"
)

// Deployment is one bootable tree of an OS
type Deployment struct {
	ID       string `yaml:"id"`
	OSName   string `yaml:"osname"`
	Checksum string `yaml:"checksum"`
	// Root is the deployment tree, relative to the sysroot unless absolute
	Root    string `yaml:"root"`
	Booted  bool   `yaml:"booted,omitempty"`
	Pending bool   `yaml:"pending,omitempty"`
}

// LiveState records what has been synced onto the running system for an OS
type LiveState struct {
	Checksum string    `yaml:"checksum"`
	Replaced bool      `yaml:"replaced,omitempty"`
	Applied  time.Time `yaml:"applied"`
}

type stateFile struct {
	Deployments []Deployment         `yaml:"deployments"`
	Live        map[string]LiveState `yaml:"live,omitempty"`
}

// State is a snapshot of the sysroot taken by Load. It is not updated when
// the sysroot changes.
type State struct {
	root        string
	deployments []Deployment
	live        map[string]LiveState
}

// Path returns the sysroot the state was loaded from
func (s *State) Path() string {
	return s.root
}

// Deployments returns every deployment in file order
func (s *State) Deployments() []Deployment {
	out := make([]Deployment, len(s.deployments))
	copy(out, s.deployments)
	return out
}

// OSNames returns the sorted set of osnames with at least one deployment
func (s *State) OSNames() []string {
	seen := make(map[string]bool)
	var names []string
	for _, d := range s.deployments {
		if !seen[d.OSName] {
			seen[d.OSName] = true
			names = append(names, d.OSName)
		}
	}
	sort.Strings(names)
	return names
}

// Booted returns the booted deployment of osname
func (s *State) Booted(osname string) (Deployment, bool) {
	return s.find(osname, func(d Deployment) bool { return d.Booted })
}

// Pending returns the deployment of osname queued for the next boot
func (s *State) Pending(osname string) (Deployment, bool) {
	return s.find(osname, func(d Deployment) bool { return d.Pending })
}

// Live returns what was last synced onto the running system for osname
func (s *State) Live(osname string) (LiveState, bool) {
	live, ok := s.live[osname]
	return live, ok
}

// DeploymentRoot resolves the tree of d on disk
func (s *State) DeploymentRoot(d Deployment) string {
	if filepath.IsAbs(d.Root) {
		return d.Root
	}
	return filepath.Join(s.root, d.Root)
}

func (s *State) find(osname string, match func(Deployment) bool) (Deployment, bool) {
	for _, d := range s.deployments {
		if d.OSName == osname && match(d) {
			return d, true
		}
	}
	return Deployment{}, false
}
