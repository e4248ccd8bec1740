package cabinet

import (
	"context"
	"os"
	"path/filepath"

	"github.com/kolide/cabkit/pkg/cab"
	"github.com/kolide/cabkit/pkg/messages"
	"github.com/pkg/errors"
)

// SessionParams are the inputs for one cabinet.
type SessionParams struct {
	CabinetName    string
	CabinetDir     string
	FileCount      int
	MaxCabinetSize int64 // 0 leaves the backend default in place
	MaxThreshold   int64
	Level          cab.CompressionLevel
}

// Backend compresses files into cabinets. Open is called once per work
// item, possibly from several goroutines; sessions must not share
// state.
type Backend interface {
	Open(ctx context.Context, p SessionParams) (Session, error)
}

// Session is scoped to one work item. Close is always called, even
// after a failed AddFile or Complete.
type Session interface {
	AddFile(f *FileRecord) error
	Complete(split cab.SplitFunc) error
	Close() error
}

// CabBackend writes real cabinets with pkg/cab.
type CabBackend struct{}

func (CabBackend) Open(ctx context.Context, p SessionParams) (Session, error) {
	cabinetPath := filepath.Join(p.CabinetDir, p.CabinetName)

	if err := os.MkdirAll(p.CabinetDir, 0755); err != nil {
		return nil, messages.NewError(messages.CabinetCreationFailed(cabinetPath, err), err)
	}

	w, err := cab.Create(cab.Options{
		Name:           p.CabinetName,
		Dir:            p.CabinetDir,
		FileCount:      p.FileCount,
		MaxCabinetSize: p.MaxCabinetSize,
		MaxFolderSize:  p.MaxThreshold,
		Level:          p.Level,
	})
	if err != nil {
		return nil, messages.NewError(messages.CabinetCreationFailed(cabinetPath, err), err)
	}

	return &cabSession{path: cabinetPath, w: w}, nil
}

type cabSession struct {
	path string
	w    *cab.Writer
}

func (s *cabSession) AddFile(f *FileRecord) error {
	if err := s.w.AddFile(f.ID, f.ResolvedSource()); err != nil {
		err = errors.Wrapf(err, "adding %s", f.ID)
		return messages.NewError(messages.CabinetCreationFailed(s.path, err), err)
	}
	return nil
}

func (s *cabSession) Complete(split cab.SplitFunc) error {
	if err := s.w.Complete(split); err != nil {
		return messages.NewError(messages.CabinetCreationFailed(s.path, err), err)
	}
	return nil
}

func (s *cabSession) Close() error {
	return s.w.Close()
}
