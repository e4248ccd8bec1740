package cab

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"hash/fnv"
	"io"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/klauspost/compress/flate"
	"github.com/pkg/errors"
)

const (
	// DefaultMaxCabinetSize is used when no maximum cabinet size is
	// requested.
	DefaultMaxCabinetSize int64 = math.MaxInt32

	// MinCabinetSize leaves room for a header and a full data block.
	MinCabinetSize int64 = 64 * 1024

	maxBlockSize  = 32 * 1024
	maxBlockCount = math.MaxUint16
	maxFileCount  = math.MaxUint16

	headerSize   = 36
	folderSize   = 8
	fileHeadSize = 16
	dataHeadSize = 8

	flagPrevCabinet    uint16 = 0x0001
	flagNextCabinet    uint16 = 0x0002
	flagReservePresent uint16 = 0x0004

	ifoldContinuedFromPrev    uint16 = 0xFFFD
	ifoldContinuedToNext      uint16 = 0xFFFE
	ifoldContinuedPrevAndNext uint16 = 0xFFFF

	attribArchive   uint16 = 0x20
	attribNameIsUTF uint16 = 0x80
)

// SplitFunc is told about every cabinet created past the first one.
// fileID names the file being written when the split happened.
type SplitFunc func(firstCabinet, newCabinet, fileID string)

// Options describe one cabinet (or cabinet set) to create.
type Options struct {
	Name           string // file name of the first cabinet, eg: product.cab
	Dir            string // directory the cabinets are written to
	FileCount      int    // expected number of files. Only a hint.
	MaxCabinetSize int64  // 0 means DefaultMaxCabinetSize
	MaxFolderSize  int64  // start a new folder once this many bytes are in one. 0 is unlimited
	Level          CompressionLevel
}

type fileEntry struct {
	name    string
	size    int64
	offset  int64 // uncompressed offset within its folder
	date    uint16
	time    uint16
	attribs uint16
}

type folderState struct {
	files        []*fileEntry
	size         int64
	spansCabinet bool
}

// folderPart is the piece of a folder stored in one cabinet.
type folderPart struct {
	folder      *folderState
	start, end  int64
	blocks      int
	spillOffset int64
	continued   bool // the folder carries on in the next cabinet
}

type cabinetState struct {
	index     int
	name      string
	spill     *os.File
	spillW    *bufio.Writer
	spillSize int64
	parts     []*folderPart
}

type splitEvent struct {
	first, next, fileID string
}

// Writer builds a cabinet set. It is not safe for concurrent use; give
// each goroutine its own Writer.
type Writer struct {
	opts        Options
	maxCabinet  int64
	ctype       uint16
	setID       uint16
	fw          *flate.Writer
	compressBuf bytes.Buffer

	cur         *cabinetState
	folder      *folderState
	pending     []byte
	readBuf     []byte
	currentFile string

	splits   []splitEvent
	finished []string
	complete bool
	closed   bool
}

// Create prepares a Writer. Compressed data is spilled to a temporary
// file in Dir; cabinet files themselves only appear as they fill up or
// on Complete.
func Create(opts Options) (*Writer, error) {
	if opts.Name == "" {
		return nil, errors.New("cabinet name is required")
	}
	if filepath.Base(opts.Name) != opts.Name {
		return nil, errors.Errorf("cabinet name %s must not contain a directory", opts.Name)
	}

	maxCabinet := opts.MaxCabinetSize
	if maxCabinet == 0 {
		maxCabinet = DefaultMaxCabinetSize
	}
	if maxCabinet < MinCabinetSize {
		return nil, errors.Errorf("maximum cabinet size %d is below the minimum of %d", maxCabinet, MinCabinetSize)
	}
	if maxCabinet > math.MaxUint32 {
		return nil, errors.Errorf("maximum cabinet size %d does not fit in a cabinet header", maxCabinet)
	}
	if opts.MaxFolderSize < 0 {
		return nil, errors.Errorf("negative folder size %d", opts.MaxFolderSize)
	}

	switch opts.Level {
	case None, Low, Medium, High, Mszip:
	default:
		return nil, errors.Errorf("unknown compression level %d", opts.Level)
	}

	h := fnv.New32a()
	h.Write([]byte(opts.Name))
	sum := h.Sum32()

	w := &Writer{
		opts:       opts,
		maxCabinet: maxCabinet,
		ctype:      opts.Level.compressionType(),
		setID:      uint16(sum>>16) ^ uint16(sum),
		pending:    make([]byte, 0, maxBlockSize),
		readBuf:    make([]byte, maxBlockSize),
	}

	if w.ctype == typeMSZIP {
		fw, err := flate.NewWriter(io.Discard, opts.Level.flateLevel())
		if err != nil {
			return nil, errors.Wrap(err, "creating deflate writer")
		}
		w.fw = fw
	}

	cur, err := w.newCabinet(0)
	if err != nil {
		return nil, err
	}
	w.cur = cur

	return w, nil
}

// Name returns the name of the cabinet at index i within the set.
func (w *Writer) Name(i int) string {
	return SplitName(w.opts.Name, i)
}

// SplitName returns the name of the cabinet at index i of the set whose
// first cabinet is first: product.cab, product2.cab, product3.cab and so
// on.
func SplitName(first string, i int) string {
	if i == 0 {
		return first
	}
	ext := filepath.Ext(first)
	base := strings.TrimSuffix(first, ext)
	return base + strconv.Itoa(i+1) + ext
}

// IsSplitName reports whether name is one of the extra cabinets that a
// set starting at first could produce. Names are compared without
// regard to case, as cabinets often end up on Windows file systems.
func IsSplitName(first, name string) bool {
	first, name = strings.ToLower(first), strings.ToLower(name)
	ext := filepath.Ext(first)
	base := strings.TrimSuffix(first, ext)
	if len(name) <= len(base)+len(ext) || !strings.HasPrefix(name, base) || !strings.HasSuffix(name, ext) {
		return false
	}

	digits := name[len(base) : len(name)-len(ext)]
	for i := 0; i < len(digits); i++ {
		if digits[i] < '0' || digits[i] > '9' {
			return false
		}
	}
	n, err := strconv.Atoi(digits)
	if err != nil {
		return false
	}
	return n >= 2 && strconv.Itoa(n) == digits
}

// Cabinets lists the paths of the cabinets finished so far.
func (w *Writer) Cabinets() []string {
	return append([]string(nil), w.finished...)
}

// AddFile streams sourcePath into the set under the entry name.
func (w *Writer) AddFile(name, sourcePath string) error {
	if w.complete || w.closed {
		return errors.New("cabinet writer is already complete")
	}
	if name == "" {
		return errors.New("file name is required")
	}

	fh, err := os.Open(sourcePath)
	if err != nil {
		return errors.Wrapf(err, "opening %s", sourcePath)
	}
	defer fh.Close()

	stat, err := fh.Stat()
	if err != nil {
		return errors.Wrapf(err, "stat %s", sourcePath)
	}
	if stat.IsDir() {
		return errors.Errorf("%s is a directory", sourcePath)
	}
	size := stat.Size()
	if size > math.MaxUint32 {
		return errors.Errorf("%s is too large for a cabinet (%d bytes)", sourcePath, size)
	}

	if w.folder != nil && w.needsNewFolder(size) {
		if err := w.endFolder(); err != nil {
			return err
		}
	}
	if w.folder == nil {
		w.startFolder()
	}

	date, tm := dosDateTime(stat.ModTime())
	entry := &fileEntry{
		name:    name,
		size:    size,
		offset:  w.folder.size,
		date:    date,
		time:    tm,
		attribs: attribArchive,
	}
	if !isASCII(name) {
		entry.attribs |= attribNameIsUTF
	}
	w.folder.files = append(w.folder.files, entry)
	w.folder.size += size
	w.currentFile = name

	var copied int64
	for {
		n, readErr := fh.Read(w.readBuf[:maxBlockSize-len(w.pending)])
		if n > 0 {
			copied += int64(n)
			if copied > size {
				return errors.Errorf("%s grew while being added", sourcePath)
			}
			w.pending = append(w.pending, w.readBuf[:n]...)
			if len(w.pending) == maxBlockSize {
				if err := w.flushBlock(); err != nil {
					return err
				}
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return errors.Wrapf(readErr, "reading %s", sourcePath)
		}
	}

	if copied != size {
		return errors.Errorf("%s shrank while being added: expected %d bytes, read %d", sourcePath, size, copied)
	}

	return nil
}

// Complete flushes outstanding data, writes the last cabinet and then
// reports every extra cabinet to split, in creation order.
func (w *Writer) Complete(split SplitFunc) error {
	if w.complete || w.closed {
		return errors.New("cabinet writer is already complete")
	}

	if w.folder != nil {
		if err := w.endFolder(); err != nil {
			return err
		}
	}

	if err := w.finalize(w.cur, false); err != nil {
		return err
	}
	w.cur = nil
	w.complete = true

	if split != nil {
		for _, s := range w.splits {
			split(s.first, s.next, s.fileID)
		}
	}

	return nil
}

// Close releases temporary files. If the writer never completed, any
// cabinets it already produced are removed. Close is safe to call more
// than once.
func (w *Writer) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true

	var firstErr error
	if w.cur != nil {
		if err := w.cur.discard(); err != nil {
			firstErr = err
		}
		w.cur = nil
	}

	if !w.complete {
		for _, p := range w.finished {
			if err := os.Remove(p); err != nil && !os.IsNotExist(err) && firstErr == nil {
				firstErr = errors.Wrapf(err, "removing partial cabinet %s", p)
			}
		}
		w.finished = nil
	}

	return firstErr
}

func (w *Writer) needsNewFolder(nextSize int64) bool {
	switch {
	case w.folder.spansCabinet:
		return true
	case w.opts.MaxFolderSize > 0 && w.folder.size >= w.opts.MaxFolderSize:
		return true
	case w.folder.size+nextSize > math.MaxUint32:
		return true
	}
	return false
}

func (w *Writer) startFolder() {
	w.folder = &folderState{}
	if w.opts.FileCount > 0 {
		w.folder.files = make([]*fileEntry, 0, w.opts.FileCount)
	}
	w.cur.parts = append(w.cur.parts, &folderPart{
		folder:      w.folder,
		start:       w.folder.size,
		end:         w.folder.size,
		spillOffset: w.cur.spillSize,
	})
}

func (w *Writer) endFolder() error {
	if len(w.pending) > 0 {
		if err := w.flushBlock(); err != nil {
			return err
		}
	}
	w.folder = nil
	return nil
}

func (w *Writer) compress(data []byte) ([]byte, error) {
	if w.ctype == typeNone {
		return data, nil
	}

	w.compressBuf.Reset()
	w.compressBuf.WriteString("CK")
	w.fw.Reset(&w.compressBuf)
	if _, err := w.fw.Write(data); err != nil {
		return nil, errors.Wrap(err, "deflating block")
	}
	if err := w.fw.Close(); err != nil {
		return nil, errors.Wrap(err, "finishing deflate block")
	}
	return w.compressBuf.Bytes(), nil
}

// flushBlock turns the pending bytes into one CFDATA block, starting a
// new cabinet first if the block would not fit.
func (w *Writer) flushBlock() error {
	data := w.pending
	compressed, err := w.compress(data)
	if err != nil {
		return err
	}

	part := w.cur.parts[len(w.cur.parts)-1]
	full := w.projectedSize()+int64(dataHeadSize+len(compressed)) > w.maxCabinet
	if (full && w.cur.spillSize > 0) || part.blocks == maxBlockCount {
		if err := w.rollCabinet(); err != nil {
			return err
		}
		part = w.cur.parts[len(w.cur.parts)-1]
	}

	var head [dataHeadSize]byte
	binary.LittleEndian.PutUint32(head[0:], blockChecksum(compressed, uint16(len(data))))
	binary.LittleEndian.PutUint16(head[4:], uint16(len(compressed)))
	binary.LittleEndian.PutUint16(head[6:], uint16(len(data)))

	if _, err := w.cur.spillW.Write(head[:]); err != nil {
		return errors.Wrap(err, "writing data block header")
	}
	if _, err := w.cur.spillW.Write(compressed); err != nil {
		return errors.Wrap(err, "writing data block")
	}

	w.cur.spillSize += int64(dataHeadSize + len(compressed))
	part.blocks++
	part.end += int64(len(data))
	w.pending = w.pending[:0]

	return nil
}

// rollCabinet finishes the current cabinet and starts the next one in
// the set. If a file straddles the boundary the open folder continues
// in the new cabinet; otherwise the remaining files move to a fresh
// folder.
func (w *Writer) rollCabinet() error {
	old := w.cur
	last := old.parts[len(old.parts)-1]

	var moved *folderPart
	switch {
	case last.blocks == 0:
		// Nothing of this folder has been written yet. Carry the whole
		// part over.
		old.parts = old.parts[:len(old.parts)-1]
		moved = last
		moved.spillOffset = 0

	case straddles(last.folder, last.end):
		last.continued = true
		last.folder.spansCabinet = true
		moved = &folderPart{
			folder: last.folder,
			start:  last.end,
			end:    last.end,
		}

	default:
		moved = rebaseFolder(last.folder, last.end)
		if w.folder == last.folder {
			w.folder = moved.folder
		}
	}

	if err := w.finalize(old, true); err != nil {
		return err
	}

	next, err := w.newCabinet(old.index + 1)
	if err != nil {
		return err
	}
	next.parts = append(next.parts, moved)
	w.cur = next

	w.splits = append(w.splits, splitEvent{
		first:  w.opts.Name,
		next:   next.name,
		fileID: w.currentFile,
	})

	return nil
}

// straddles reports whether a file in f crosses the offset.
func straddles(f *folderState, offset int64) bool {
	for _, fe := range f.files {
		if fe.offset < offset && fe.offset+fe.size > offset {
			return true
		}
	}
	return false
}

// rebaseFolder moves the files at or past offset out of f into a new
// folder that starts at zero.
func rebaseFolder(f *folderState, offset int64) *folderPart {
	nf := &folderState{}

	keep := f.files[:0]
	for _, fe := range f.files {
		if fe.offset > offset || (fe.offset == offset && fe.size > 0) {
			fe.offset -= offset
			nf.files = append(nf.files, fe)
			continue
		}
		keep = append(keep, fe)
	}
	f.files = keep
	nf.size = f.size - offset
	f.size = offset

	return &folderPart{folder: nf}
}

func (w *Writer) newCabinet(index int) (*cabinetState, error) {
	spill, err := os.CreateTemp(w.opts.Dir, ".cab-spill-*")
	if err != nil {
		return nil, errors.Wrap(err, "creating cabinet spill file")
	}

	return &cabinetState{
		index:  index,
		name:   w.Name(index),
		spill:  spill,
		spillW: bufio.NewWriterSize(spill, 256*1024),
	}, nil
}

func (w *Writer) headerSize(c *cabinetState, hasNext bool) int64 {
	size := int64(headerSize)
	if c.index > 0 {
		size += int64(len(w.Name(c.index-1))) + 2
	}
	if hasNext {
		size += int64(len(w.Name(c.index+1))) + 2
	}
	return size
}

// projectedSize over-estimates the size of the current cabinet, as if
// it were finalized now with a following cabinet.
func (w *Writer) projectedSize() int64 {
	c := w.cur
	size := w.headerSize(c, true) + int64(folderSize*len(c.parts)) + c.spillSize
	for _, p := range c.parts {
		for _, fe := range p.folder.files {
			if fe.offset+fe.size >= p.start {
				size += int64(fileHeadSize + len(fe.name) + 1)
			}
		}
	}
	return size
}

type fileRecord struct {
	entry   *fileEntry
	iFolder uint16
}

func (p *folderPart) entries(index int) []fileRecord {
	var out []fileRecord
	for _, fe := range p.folder.files {
		var include bool
		if fe.size == 0 {
			include = fe.offset >= p.start && (fe.offset < p.end || (fe.offset == p.end && !p.continued))
		} else {
			include = fe.offset < p.end && fe.offset+fe.size > p.start
		}
		if !include {
			continue
		}

		fromPrev := fe.offset < p.start
		toNext := p.continued && fe.offset+fe.size > p.end

		iFolder := uint16(index)
		switch {
		case fromPrev && toNext:
			iFolder = ifoldContinuedPrevAndNext
		case fromPrev:
			iFolder = ifoldContinuedFromPrev
		case toNext:
			iFolder = ifoldContinuedToNext
		}
		out = append(out, fileRecord{entry: fe, iFolder: iFolder})
	}
	return out
}

// finalize writes the header, folder and file tables for c followed by
// its spilled data blocks.
func (w *Writer) finalize(c *cabinetState, hasNext bool) error {
	if err := c.spillW.Flush(); err != nil {
		return errors.Wrap(err, "flushing cabinet spill")
	}

	var files []fileRecord
	for i, p := range c.parts {
		files = append(files, p.entries(i)...)
	}
	if len(files) > maxFileCount {
		return errors.Errorf("cabinet %s would hold %d files, more than the format allows", c.name, len(files))
	}

	var flags uint16
	if c.index > 0 {
		flags |= flagPrevCabinet
	}
	if hasNext {
		flags |= flagNextCabinet
	}

	headSize := w.headerSize(c, hasNext)
	coffFiles := headSize + int64(folderSize*len(c.parts))
	dataStart := coffFiles
	for _, f := range files {
		dataStart += int64(fileHeadSize + len(f.entry.name) + 1)
	}
	total := dataStart + c.spillSize
	if total > math.MaxUint32 {
		return errors.Errorf("cabinet %s is too large (%d bytes)", c.name, total)
	}

	buf := new(bytes.Buffer)
	le := binary.LittleEndian

	buf.WriteString("MSCF")
	binary.Write(buf, le, uint32(0))
	binary.Write(buf, le, uint32(total))
	binary.Write(buf, le, uint32(0))
	binary.Write(buf, le, uint32(coffFiles))
	binary.Write(buf, le, uint32(0))
	buf.WriteByte(3) // versionMinor
	buf.WriteByte(1) // versionMajor
	binary.Write(buf, le, uint16(len(c.parts)))
	binary.Write(buf, le, uint16(len(files)))
	binary.Write(buf, le, flags)
	binary.Write(buf, le, w.setID)
	binary.Write(buf, le, uint16(c.index))

	if c.index > 0 {
		writeCString(buf, w.Name(c.index-1))
		writeCString(buf, "")
	}
	if hasNext {
		writeCString(buf, w.Name(c.index+1))
		writeCString(buf, "")
	}

	for _, p := range c.parts {
		binary.Write(buf, le, uint32(dataStart+p.spillOffset))
		binary.Write(buf, le, uint16(p.blocks))
		binary.Write(buf, le, w.ctype)
	}

	for _, f := range files {
		binary.Write(buf, le, uint32(f.entry.size))
		binary.Write(buf, le, uint32(f.entry.offset))
		binary.Write(buf, le, f.iFolder)
		binary.Write(buf, le, f.entry.date)
		binary.Write(buf, le, f.entry.time)
		binary.Write(buf, le, f.entry.attribs)
		writeCString(buf, f.entry.name)
	}

	// Never replace a file this writer did not create. Another set may
	// own it.
	outPath := filepath.Join(w.opts.Dir, c.name)
	out, err := os.OpenFile(outPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return errors.Wrapf(err, "creating cabinet %s", outPath)
	}
	defer out.Close()

	if _, err := buf.WriteTo(out); err != nil {
		return errors.Wrapf(err, "writing cabinet header %s", outPath)
	}

	if _, err := c.spill.Seek(0, io.SeekStart); err != nil {
		return errors.Wrap(err, "rewinding cabinet spill")
	}
	if _, err := io.Copy(out, c.spill); err != nil {
		return errors.Wrapf(err, "writing cabinet data %s", outPath)
	}
	if err := out.Close(); err != nil {
		return errors.Wrapf(err, "closing cabinet %s", outPath)
	}

	w.finished = append(w.finished, outPath)

	return c.discard()
}

func (c *cabinetState) discard() error {
	if c.spill == nil {
		return nil
	}
	name := c.spill.Name()
	c.spill.Close()
	c.spill = nil
	if err := os.Remove(name); err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "removing spill file %s", name)
	}
	return nil
}

func writeCString(buf *bytes.Buffer, s string) {
	buf.WriteString(s)
	buf.WriteByte(0)
}

func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] >= utf8.RuneSelf {
			return false
		}
	}
	return true
}

// dosDateTime packs t into the FAT date and time fields. Times before
// 1980 can't be represented and are clamped.
func dosDateTime(t time.Time) (uint16, uint16) {
	t = t.Local()
	if t.Year() < 1980 {
		t = time.Date(1980, 1, 1, 0, 0, 0, 0, time.Local)
	}
	date := uint16((t.Year()-1980)<<9 | int(t.Month())<<5 | t.Day())
	tm := uint16(t.Hour()<<11 | t.Minute()<<5 | t.Second()/2)
	return date, tm
}
