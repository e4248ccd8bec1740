// Package layout reads the YAML description of the cabinets to build
// and writes back a manifest of what was produced.
package layout

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/ghodss/yaml"
	"github.com/kolide/cabkit/pkg/cab"
	"github.com/kolide/cabkit/pkg/cabinet"
	"github.com/pkg/errors"
)

type Layout struct {
	// OutputDir is where cabinets are written. Relative paths are
	// resolved against the layout file's directory.
	OutputDir string
	Cabinets  []Cabinet
}

type Cabinet struct {
	Name            string
	Compression     cab.CompressionLevel
	FolderThreshold int64
	Files           []File
}

type File struct {
	ID            string
	Source        string
	Size          int64 // 0 until known
	PatchBase     string
	PatchDelta    string
	RetainOffsets []int64
	RetainLengths []int64
}

type layoutYAML struct {
	OutputDir       string        `json:"output_dir"`
	Compression     string        `json:"compression"`
	FolderThreshold string        `json:"folder_threshold"`
	Cabinets        []cabinetYAML `json:"cabinets"`
}

type cabinetYAML struct {
	Name            string     `json:"name"`
	Compression     string     `json:"compression"`
	FolderThreshold string     `json:"folder_threshold"`
	Files           []fileYAML `json:"files"`
}

type fileYAML struct {
	ID            string  `json:"id"`
	Source        string  `json:"source"`
	Size          string  `json:"size"`
	PatchBase     string  `json:"patch_base"`
	PatchDelta    string  `json:"patch_delta"`
	RetainOffsets []int64 `json:"retain_offsets"`
	RetainLengths []int64 `json:"retain_lengths"`
}

// Load parses the layout file at path. Cabinet settings left empty
// inherit the top level ones.
func Load(path string) (*Layout, error) {
	contents, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading layout %s", path)
	}

	var raw layoutYAML
	if err := yaml.Unmarshal(contents, &raw); err != nil {
		return nil, errors.Wrapf(err, "unmarshal yaml for %s", path)
	}

	l, err := raw.layout(filepath.Dir(path))
	if err != nil {
		return nil, errors.Wrapf(err, "layout %s", path)
	}
	return l, nil
}

func (raw layoutYAML) layout(dir string) (*Layout, error) {
	if raw.OutputDir == "" {
		return nil, errors.New("output_dir is required")
	}

	defaultLevel, err := cab.ParseCompressionLevel(raw.Compression)
	if err != nil {
		return nil, err
	}
	defaultThreshold, err := parseSize(raw.FolderThreshold)
	if err != nil {
		return nil, errors.Wrap(err, "folder_threshold")
	}

	l := &Layout{OutputDir: resolve(dir, raw.OutputDir)}

	seen := make(map[string]bool)
	fileIDs := make(map[string]string)
	for i, rc := range raw.Cabinets {
		if rc.Name == "" {
			return nil, errors.Errorf("cabinet %d has no name", i)
		}
		if filepath.Base(rc.Name) != rc.Name {
			return nil, errors.Errorf("cabinet name %s must not contain a directory", rc.Name)
		}
		if seen[strings.ToLower(rc.Name)] {
			return nil, errors.Errorf("cabinet %s is listed more than once", rc.Name)
		}
		seen[strings.ToLower(rc.Name)] = true

		c := Cabinet{
			Name:            rc.Name,
			Compression:     defaultLevel,
			FolderThreshold: defaultThreshold,
		}
		if rc.Compression != "" {
			if c.Compression, err = cab.ParseCompressionLevel(rc.Compression); err != nil {
				return nil, errors.Wrapf(err, "cabinet %s", rc.Name)
			}
		}
		if rc.FolderThreshold != "" {
			if c.FolderThreshold, err = parseSize(rc.FolderThreshold); err != nil {
				return nil, errors.Wrapf(err, "cabinet %s folder_threshold", rc.Name)
			}
		}

		for _, rf := range rc.Files {
			if rf.ID == "" {
				return nil, errors.Errorf("cabinet %s has a file without an id", rc.Name)
			}
			if other, ok := fileIDs[rf.ID]; ok {
				return nil, errors.Errorf("file id %s in cabinet %s is already used in cabinet %s", rf.ID, rc.Name, other)
			}
			fileIDs[rf.ID] = rc.Name
			size, err := parseSize(rf.Size)
			if err != nil {
				return nil, errors.Wrapf(err, "size of %s", rf.ID)
			}
			c.Files = append(c.Files, File{
				ID:            rf.ID,
				Source:        resolve(dir, rf.Source),
				Size:          size,
				PatchBase:     resolve(dir, rf.PatchBase),
				PatchDelta:    resolve(dir, rf.PatchDelta),
				RetainOffsets: rf.RetainOffsets,
				RetainLengths: rf.RetainLengths,
			})
		}

		l.Cabinets = append(l.Cabinets, c)
	}

	// A split cabinet takes the names after its own, so no other cabinet
	// may use one of them.
	for _, first := range l.Cabinets {
		for _, other := range l.Cabinets {
			if cab.IsSplitName(first.Name, other.Name) {
				return nil, errors.Errorf("cabinet %s clashes with the names used when %s is split", other.Name, first.Name)
			}
		}
	}

	return l, nil
}

// RemoveOutputs deletes cabinets left in the output directory by an
// earlier build of this layout, including extra cabinets from splits.
// It returns the paths it removed.
func (l *Layout) RemoveOutputs() ([]string, error) {
	entries, err := os.ReadDir(l.OutputDir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "reading output dir %s", l.OutputDir)
	}

	var removed []string
	for _, e := range entries {
		if e.IsDir() || !l.owns(e.Name()) {
			continue
		}
		path := filepath.Join(l.OutputDir, e.Name())
		if err := os.Remove(path); err != nil {
			return removed, errors.Wrapf(err, "removing %s", path)
		}
		removed = append(removed, path)
	}
	return removed, nil
}

// owns reports whether name is one of the layout's cabinets, or one of
// the extra cabinets a split of them would produce.
func (l *Layout) owns(name string) bool {
	for _, c := range l.Cabinets {
		if strings.EqualFold(c.Name, name) || cab.IsSplitName(c.Name, name) {
			return true
		}
	}
	return false
}

// WorkItems turns the layout into build queue entries, in layout order.
// Files without a declared size are measured on disk; a file that can't
// be found keeps size 0 and fails when its cabinet is built.
func (l *Layout) WorkItems(fm cabinet.FileManager) []*cabinet.WorkItem {
	items := make([]*cabinet.WorkItem, 0, len(l.Cabinets))
	for _, c := range l.Cabinets {
		records := make([]*cabinet.FileRecord, 0, len(c.Files))
		for _, f := range c.Files {
			size := f.Size
			if size == 0 && f.Source != "" {
				if stat, err := os.Stat(f.Source); err == nil {
					size = stat.Size()
				}
			}
			records = append(records, &cabinet.FileRecord{
				ID:            f.ID,
				Size:          size,
				Source:        f.Source,
				PatchBase:     f.PatchBase,
				PatchDelta:    f.PatchDelta,
				RetainOffsets: f.RetainOffsets,
				RetainLengths: f.RetainLengths,
			})
		}

		items = append(items, cabinet.NewWorkItem(
			records,
			filepath.Join(l.OutputDir, c.Name),
			c.FolderThreshold,
			c.Compression,
			fm,
		))
	}
	return items
}

func parseSize(s string) (int64, error) {
	if s == "" {
		return 0, nil
	}
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, errors.Wrapf(err, "parsing size %q", s)
	}
	return int64(n), nil
}

func resolve(dir, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(dir, p)
}
