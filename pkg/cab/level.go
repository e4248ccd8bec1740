package cab

import (
	"fmt"
	"strings"

	"github.com/klauspost/compress/flate"
	"github.com/pkg/errors"
)

// CompressionLevel mirrors the levels a Media element can request.
type CompressionLevel int

const (
	None CompressionLevel = iota
	Low
	Medium
	High
	Mszip
)

// On-disk compression types.
const (
	typeNone  uint16 = 0
	typeMSZIP uint16 = 1
)

func (l CompressionLevel) String() string {
	switch l {
	case None:
		return "none"
	case Low:
		return "low"
	case Medium:
		return "medium"
	case High:
		return "high"
	case Mszip:
		return "mszip"
	default:
		return fmt.Sprintf("unknown(%d)", int(l))
	}
}

// ParseCompressionLevel parses the names used by String. An empty
// string selects Mszip, the toolset default.
func ParseCompressionLevel(s string) (CompressionLevel, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "none":
		return None, nil
	case "low":
		return Low, nil
	case "medium":
		return Medium, nil
	case "high":
		return High, nil
	case "mszip", "":
		return Mszip, nil
	default:
		return None, errors.Errorf("unknown compression level %q", s)
	}
}

func (l CompressionLevel) compressionType() uint16 {
	if l == None {
		return typeNone
	}
	return typeMSZIP
}

func (l CompressionLevel) flateLevel() int {
	switch l {
	case Low:
		return flate.BestSpeed
	case High:
		return flate.BestCompression
	default:
		return flate.DefaultCompression
	}
}
