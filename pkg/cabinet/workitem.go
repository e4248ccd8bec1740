package cabinet

import (
	"github.com/kolide/cabkit/pkg/cab"
)

// WorkItem describes one cabinet to build. It is read-only once
// created.
type WorkItem struct {
	cabinetPath  string
	files        []*FileRecord
	maxThreshold int64
	level        cab.CompressionLevel
	fileManager  FileManager
}

// NewWorkItem copies the file list; the records themselves are shared
// and get their resolved source filled in during the build.
func NewWorkItem(files []*FileRecord, cabinetPath string, maxThreshold int64, level cab.CompressionLevel, fileManager FileManager) *WorkItem {
	return &WorkItem{
		cabinetPath:  cabinetPath,
		files:        append([]*FileRecord(nil), files...),
		maxThreshold: maxThreshold,
		level:        level,
		fileManager:  fileManager,
	}
}

func (wi *WorkItem) CabinetPath() string { return wi.cabinetPath }

// Files returns the records in cabinet order. The slice is a copy.
func (wi *WorkItem) Files() []*FileRecord {
	return append([]*FileRecord(nil), wi.files...)
}

// MaxThreshold is the folder size threshold in bytes.
func (wi *WorkItem) MaxThreshold() int64 { return wi.maxThreshold }

func (wi *WorkItem) CompressionLevel() cab.CompressionLevel { return wi.level }

func (wi *WorkItem) FileManager() FileManager { return wi.fileManager }
