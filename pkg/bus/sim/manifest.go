package sim

import (
	"fmt"
	"os"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/urmzd/licd/pkg/protocol"
	"github.com/urmzd/licd/pkg/subordinate"
)

// Manifest describes the subordinates attached to a simulated bus.
type Manifest struct {
	Devices []DeviceSpec `yaml:"devices"`
}

// DeviceSpec is one simulated subordinate. A zero UUID is replaced with a
// random one when the manifest is loaded.
type DeviceSpec struct {
	Name  string `yaml:"name"`
	UUID  uint32 `yaml:"uuid"`
	Flags uint32 `yaml:"flags"`
}

// LoadManifest reads a YAML manifest from path.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	return ParseManifest(data)
}

// ParseManifest decodes a YAML manifest.
func ParseManifest(data []byte) (*Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}

	seen := make(map[uint32]bool, len(m.Devices))
	for i := range m.Devices {
		d := &m.Devices[i]
		for d.UUID == 0 {
			d.UUID = uuid.New().ID()
		}
		if seen[d.UUID] {
			return nil, fmt.Errorf("parse manifest: duplicate uuid %d", d.UUID)
		}
		seen[d.UUID] = true
		if d.Name == "" {
			d.Name = fmt.Sprintf("device-%d", i)
		}
	}

	return &m, nil
}

// Attach creates one subordinate per manifest entry on b, in manifest order.
func (m *Manifest) Attach(b *Bus, opts ...subordinate.Option) ([]*subordinate.Subordinate, error) {
	subs := make([]*subordinate.Subordinate, 0, len(m.Devices))
	for _, d := range m.Devices {
		s, err := subordinate.New(b.Attach(), protocol.Header{UUID: d.UUID, Flags: d.Flags}, nil, opts...)
		if err != nil {
			return nil, fmt.Errorf("attach %s: %w", d.Name, err)
		}
		subs = append(subs, s)
	}
	return subs, nil
}
