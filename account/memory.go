package account

import (
	"context"
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"
)

// MemoryDirectory is a Directory backed by a map, loaded from a YAML seed file
// in development setups.
type MemoryDirectory struct {
	sync.RWMutex
	users map[string]*Profile
}

func NewMemoryDirectory(profiles ...*Profile) *MemoryDirectory {
	d := &MemoryDirectory{users: make(map[string]*Profile)}
	for _, p := range profiles {
		d.Put(p)
	}
	return d
}

// seedFile is the layout of the YAML seed:
//
//	users:
//	  - id: "64b7..."
//	    name: alice
//	    email: alice@example.com
type seedFile struct {
	Users []*Profile `yaml:"users"`
}

// LoadYAML reads profiles from path.
func LoadYAML(path string) (*MemoryDirectory, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read accounts file: %w", err)
	}
	return ParseYAML(data)
}

func ParseYAML(data []byte) (*MemoryDirectory, error) {
	var seed seedFile
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return nil, fmt.Errorf("parse accounts: %w", err)
	}
	for i, p := range seed.Users {
		if p == nil || p.ID == "" {
			return nil, fmt.Errorf("parse accounts: users[%d]: id is required", i)
		}
	}
	return NewMemoryDirectory(seed.Users...), nil
}

func (d *MemoryDirectory) Put(p *Profile) {
	cp := *p
	d.Lock()
	d.users[p.ID] = &cp
	d.Unlock()
}

func (d *MemoryDirectory) FindByID(ctx context.Context, id string) (*Profile, error) {
	d.RLock()
	p, ok := d.users[id]
	d.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	cp := *p
	return &cp, nil
}
