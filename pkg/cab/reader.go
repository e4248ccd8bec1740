package cab

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/klauspost/compress/flate"
	"github.com/pkg/errors"
)

// Cabinet is the parsed header of one cabinet file.
type Cabinet struct {
	Path    string
	SetID   uint16
	Index   uint16
	Prev    string // name of the previous cabinet in the set, if any
	Next    string // name of the next cabinet in the set, if any
	Folders []Folder
	Files   []Entry

	reserveFolder int
	reserveData   int
}

type Folder struct {
	DataOffset  uint32
	Blocks      uint16
	Compression uint16
}

type Entry struct {
	Name       string
	Size       uint32
	Offset     uint32 // uncompressed offset within the folder
	Folder     uint16
	Modified   time.Time
	Attributes uint16
}

// ContinuedFromPrev reports whether the entry's data begins in an
// earlier cabinet.
func (e Entry) ContinuedFromPrev() bool {
	return e.Folder == ifoldContinuedFromPrev || e.Folder == ifoldContinuedPrevAndNext
}

// ContinuedToNext reports whether the entry's data carries on into the
// next cabinet.
func (e Entry) ContinuedToNext() bool {
	return e.Folder == ifoldContinuedToNext || e.Folder == ifoldContinuedPrevAndNext
}

type rawHeader struct {
	Signature    [4]byte
	Reserved1    uint32
	CbCabinet    uint32
	Reserved2    uint32
	CoffFiles    uint32
	Reserved3    uint32
	VersionMinor uint8
	VersionMajor uint8
	CFolders     uint16
	CFiles       uint16
	Flags        uint16
	SetID        uint16
	ICabinet     uint16
}

type rawFile struct {
	CbFile          uint32
	UoffFolderStart uint32
	IFolder         uint16
	Date            uint16
	Time            uint16
	Attribs         uint16
}

// Open reads the header, folder and file tables of a cabinet.
func Open(path string) (*Cabinet, error) {
	fh, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "opening cabinet %s", path)
	}
	defer fh.Close()

	c, err := parse(fh)
	if err != nil {
		return nil, errors.Wrapf(err, "parsing cabinet %s", path)
	}
	c.Path = path
	return c, nil
}

func parse(r io.ReadSeeker) (*Cabinet, error) {
	le := binary.LittleEndian
	br := bufio.NewReader(r)

	var hdr rawHeader
	if err := binary.Read(br, le, &hdr); err != nil {
		return nil, errors.Wrap(err, "reading header")
	}
	if string(hdr.Signature[:]) != "MSCF" {
		return nil, errors.New("not a cabinet file")
	}
	if hdr.VersionMajor != 1 {
		return nil, errors.Errorf("unsupported cabinet version %d.%d", hdr.VersionMajor, hdr.VersionMinor)
	}

	c := &Cabinet{
		SetID: hdr.SetID,
		Index: hdr.ICabinet,
	}

	if hdr.Flags&flagReservePresent != 0 {
		var reserve struct {
			CbCFHeader uint16
			CbCFFolder uint8
			CbCFData   uint8
		}
		if err := binary.Read(br, le, &reserve); err != nil {
			return nil, errors.Wrap(err, "reading reserve sizes")
		}
		if _, err := br.Discard(int(reserve.CbCFHeader)); err != nil {
			return nil, errors.Wrap(err, "skipping header reserve")
		}
		c.reserveFolder = int(reserve.CbCFFolder)
		c.reserveData = int(reserve.CbCFData)
	}

	var err error
	if hdr.Flags&flagPrevCabinet != 0 {
		if c.Prev, err = readCString(br); err != nil {
			return nil, err
		}
		if _, err = readCString(br); err != nil {
			return nil, err
		}
	}
	if hdr.Flags&flagNextCabinet != 0 {
		if c.Next, err = readCString(br); err != nil {
			return nil, err
		}
		if _, err = readCString(br); err != nil {
			return nil, err
		}
	}

	c.Folders = make([]Folder, hdr.CFolders)
	for i := range c.Folders {
		if err := binary.Read(br, le, &c.Folders[i]); err != nil {
			return nil, errors.Wrapf(err, "reading folder %d", i)
		}
		if _, err := br.Discard(c.reserveFolder); err != nil {
			return nil, errors.Wrap(err, "skipping folder reserve")
		}
	}

	if _, err := r.Seek(int64(hdr.CoffFiles), io.SeekStart); err != nil {
		return nil, errors.Wrap(err, "seeking to file table")
	}
	br.Reset(r)

	c.Files = make([]Entry, hdr.CFiles)
	for i := range c.Files {
		var rf rawFile
		if err := binary.Read(br, le, &rf); err != nil {
			return nil, errors.Wrapf(err, "reading file %d", i)
		}
		name, err := readCString(br)
		if err != nil {
			return nil, err
		}
		c.Files[i] = Entry{
			Name:       name,
			Size:       rf.CbFile,
			Offset:     rf.UoffFolderStart,
			Folder:     rf.IFolder,
			Modified:   fromDOSDateTime(rf.Date, rf.Time),
			Attributes: rf.Attribs,
		}
	}

	return c, nil
}

// folderData decompresses folder i of the cabinet open as fh. The
// previous block is used as the deflate dictionary, as MSZIP allows.
func (c *Cabinet) folderData(fh io.ReadSeeker, i int) ([]byte, error) {
	folder := c.Folders[i]
	if _, err := fh.Seek(int64(folder.DataOffset), io.SeekStart); err != nil {
		return nil, errors.Wrapf(err, "seeking to folder %d", i)
	}
	br := bufio.NewReader(fh)

	var out bytes.Buffer
	var dict []byte
	for b := 0; b < int(folder.Blocks); b++ {
		var head struct {
			Csum     uint32
			CbData   uint16
			CbUncomp uint16
		}
		if err := binary.Read(br, binary.LittleEndian, &head); err != nil {
			return nil, errors.Wrapf(err, "reading block %d of folder %d", b, i)
		}
		if _, err := br.Discard(c.reserveData); err != nil {
			return nil, errors.Wrap(err, "skipping data reserve")
		}

		data := make([]byte, head.CbData)
		if _, err := io.ReadFull(br, data); err != nil {
			return nil, errors.Wrapf(err, "reading block %d of folder %d", b, i)
		}
		if head.Csum != 0 && head.Csum != blockChecksum(data, head.CbUncomp) {
			return nil, errors.Errorf("checksum mismatch in block %d of folder %d", b, i)
		}

		block, err := decompressBlock(folder.Compression, data, dict)
		if err != nil {
			return nil, errors.Wrapf(err, "block %d of folder %d", b, i)
		}
		if len(block) != int(head.CbUncomp) {
			return nil, errors.Errorf("block %d of folder %d expanded to %d bytes, expected %d", b, i, len(block), head.CbUncomp)
		}
		out.Write(block)
		dict = block
	}

	return out.Bytes(), nil
}

func decompressBlock(ctype uint16, data, dict []byte) ([]byte, error) {
	switch ctype & 0x000F {
	case typeNone:
		return data, nil
	case typeMSZIP:
		if len(data) < 2 || data[0] != 'C' || data[1] != 'K' {
			return nil, errors.New("missing MSZIP signature")
		}
		fr := flate.NewReaderDict(bytes.NewReader(data[2:]), dict)
		defer fr.Close()
		block, err := io.ReadAll(fr)
		if err != nil {
			return nil, errors.Wrap(err, "inflating")
		}
		return block, nil
	default:
		return nil, errors.Errorf("unsupported compression type %d", ctype)
	}
}

// OpenSet opens the cabinet at firstPath and every cabinet linked after
// it in the same directory. Each following cabinet must carry the same
// set ID, the next index and a back link to the cabinet before it.
func OpenSet(firstPath string) ([]*Cabinet, error) {
	dir := filepath.Dir(firstPath)
	visited := make(map[string]bool)

	var set []*Cabinet
	for path := firstPath; path != ""; {
		if visited[filepath.Clean(path)] {
			return nil, errors.Errorf("cabinet set loops back to %s", path)
		}
		visited[filepath.Clean(path)] = true

		c, err := Open(path)
		if err != nil {
			return nil, err
		}

		if len(set) > 0 {
			if err := checkLink(set[len(set)-1], c); err != nil {
				return nil, err
			}
		}
		set = append(set, c)

		path = ""
		if c.Next != "" {
			path = filepath.Join(dir, c.Next)
		}
	}

	return set, nil
}

func checkLink(prev, c *Cabinet) error {
	switch {
	case c.SetID != prev.SetID:
		return errors.Errorf("cabinet %s has set id %d, expected %d from %s", c.Path, c.SetID, prev.SetID, prev.Path)
	case c.Index != prev.Index+1:
		return errors.Errorf("cabinet %s has index %d, expected %d", c.Path, c.Index, prev.Index+1)
	case !strings.EqualFold(c.Prev, filepath.Base(prev.Path)):
		return errors.Errorf("cabinet %s follows %q, not %s", c.Path, c.Prev, filepath.Base(prev.Path))
	}
	return nil
}

// ExtractSet walks the cabinet set starting at firstPath, following
// the next-cabinet links in the same directory, and calls fn once per
// file. Files spanning cabinets are delivered whole. Folders are held
// in memory, so this is meant for verification rather than for large
// payloads.
func ExtractSet(firstPath string, fn func(name string, r io.Reader) error) error {
	set, err := OpenSet(firstPath)
	if err != nil {
		return err
	}

	var carry []byte
	carrying := false

	for _, c := range set {
		folders, err := c.readFolders()
		if err != nil {
			return err
		}

		resumes := false
		for _, e := range c.Files {
			if e.ContinuedFromPrev() {
				resumes = true
				break
			}
		}
		switch {
		case carrying && (!resumes || len(folders) == 0):
			return errors.Errorf("cabinet %s does not continue the file left open by the previous cabinet", c.Path)
		case !carrying && resumes:
			return errors.Errorf("cabinet %s continues a file the previous cabinet did not leave open", c.Path)
		case carrying:
			folders[0] = append(carry, folders[0]...)
		}
		carry, carrying = nil, false

		for _, e := range c.Files {
			if e.ContinuedToNext() {
				carrying = true
				continue
			}

			idx := int(e.Folder)
			if e.ContinuedFromPrev() {
				idx = 0
			}
			if idx >= len(folders) {
				return errors.Errorf("file %s in %s references missing folder %d", e.Name, c.Path, idx)
			}

			data := folders[idx]
			start, end := int64(e.Offset), int64(e.Offset)+int64(e.Size)
			if end > int64(len(data)) {
				return errors.Errorf("file %s in %s runs past the end of its folder", e.Name, c.Path)
			}
			if err := fn(e.Name, bytes.NewReader(data[start:end])); err != nil {
				return err
			}
		}

		if carrying {
			if len(folders) == 0 {
				return errors.Errorf("cabinet %s continues a folder but has none", c.Path)
			}
			carry = folders[len(folders)-1]
		}
	}

	if carrying {
		return errors.New("cabinet set ends with a continued file")
	}

	return nil
}

func (c *Cabinet) readFolders() ([][]byte, error) {
	fh, err := os.Open(c.Path)
	if err != nil {
		return nil, errors.Wrapf(err, "opening cabinet %s", c.Path)
	}
	defer fh.Close()

	folders := make([][]byte, len(c.Folders))
	for i := range c.Folders {
		data, err := c.folderData(fh, i)
		if err != nil {
			return nil, errors.Wrapf(err, "cabinet %s", c.Path)
		}
		folders[i] = data
	}
	return folders, nil
}

func readCString(br *bufio.Reader) (string, error) {
	s, err := br.ReadString(0)
	if err != nil {
		return "", errors.Wrap(err, "reading string")
	}
	return s[:len(s)-1], nil
}

func fromDOSDateTime(date, tm uint16) time.Time {
	return time.Date(
		int(date>>9)+1980,
		time.Month(date>>5&0x0F),
		int(date&0x1F),
		int(tm>>11),
		int(tm>>5&0x3F),
		int(tm&0x1F)*2,
		0,
		time.Local,
	)
}
