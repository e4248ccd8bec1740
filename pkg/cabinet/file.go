package cabinet

// FileRecord is one row of the File table, as far as cabinet building
// cares about it.
type FileRecord struct {
	ID     string // file identifier, used as the name inside the cabinet
	Size   int64  // declared size in bytes
	Source string // path of the file on disk

	// Optional patch inputs. When both are set the FileManager
	// reconstructs the file from the previous version and a delta.
	PatchBase     string
	PatchDelta    string
	RetainOffsets []int64
	RetainLengths []int64

	resolvedSource string
}

// ResolvedSource is the path the cabinet is built from. It falls back
// to Source until a FileManager resolves the record.
func (f *FileRecord) ResolvedSource() string {
	if f.resolvedSource != "" {
		return f.resolvedSource
	}
	return f.Source
}

func (f *FileRecord) SetResolvedSource(path string) {
	f.resolvedSource = path
}
