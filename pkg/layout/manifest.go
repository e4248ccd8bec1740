package layout

import (
	"encoding/hex"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/ghodss/yaml"
	"github.com/pkg/errors"
	"github.com/zeebo/blake3"
)

// Splits collects the extra cabinets reported while building. Record
// has the signature of cab.SplitFunc and may be called from several
// workers.
type Splits struct {
	mu    sync.Mutex
	names map[string][]string
}

func (s *Splits) Record(firstCabinet, newCabinet, fileID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.names == nil {
		s.names = make(map[string][]string)
	}
	s.names[firstCabinet] = append(s.names[firstCabinet], newCabinet)
}

// For returns the extra cabinets created for firstCabinet, in creation
// order.
func (s *Splits) For(firstCabinet string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.names[firstCabinet]...)
}

type Manifest struct {
	BuildID   string            `json:"build_id,omitempty"`
	OutputDir string            `json:"output_dir"`
	Cabinets  []ManifestCabinet `json:"cabinets"`
}

type ManifestCabinet struct {
	Name    string `json:"name"`
	Missing bool   `json:"missing,omitempty"`
	Parts   []Part `json:"parts,omitempty"`
}

// Part is one cabinet file on disk. A cabinet that was split has one
// part per file in the set.
type Part struct {
	Name      string `json:"name"`
	Size      int64  `json:"size"`
	HumanSize string `json:"human_size"`
	Blake3    string `json:"blake3"`
}

// BuildManifest describes what is on disk for every cabinet in the
// layout. Cabinets whose first file is absent, usually because they
// failed to build, are marked missing.
func BuildManifest(l *Layout, splits *Splits) (*Manifest, error) {
	m := &Manifest{OutputDir: l.OutputDir}

	for _, c := range l.Cabinets {
		mc := ManifestCabinet{Name: c.Name}

		names := []string{c.Name}
		if splits != nil {
			names = append(names, splits.For(c.Name)...)
		}

		for _, name := range names {
			part, err := describe(filepath.Join(l.OutputDir, name))
			if os.IsNotExist(errors.Cause(err)) {
				mc.Missing = true
				mc.Parts = nil
				break
			}
			if err != nil {
				return nil, err
			}
			mc.Parts = append(mc.Parts, part)
		}

		m.Cabinets = append(m.Cabinets, mc)
	}

	return m, nil
}

func describe(path string) (Part, error) {
	fh, err := os.Open(path)
	if err != nil {
		return Part{}, errors.Wrapf(err, "opening %s", path)
	}
	defer fh.Close()

	h := blake3.New()
	size, err := io.Copy(h, fh)
	if err != nil {
		return Part{}, errors.Wrapf(err, "hashing %s", path)
	}

	return Part{
		Name:      filepath.Base(path),
		Size:      size,
		HumanSize: humanize.IBytes(uint64(size)),
		Blake3:    hex.EncodeToString(h.Sum(nil)),
	}, nil
}

// Write stores the manifest as YAML.
func (m *Manifest) Write(path string) error {
	out, err := yaml.Marshal(m)
	if err != nil {
		return errors.Wrap(err, "marshal manifest")
	}
	if err := os.WriteFile(path, out, 0644); err != nil {
		return errors.Wrapf(err, "writing manifest %s", path)
	}
	return nil
}

// ReadManifest loads a manifest written by Write.
func ReadManifest(path string) (*Manifest, error) {
	contents, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading manifest %s", path)
	}
	var m Manifest
	if err := yaml.Unmarshal(contents, &m); err != nil {
		return nil, errors.Wrapf(err, "unmarshal yaml for %s", path)
	}
	return &m, nil
}
