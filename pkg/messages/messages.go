// Package messages is the diagnostic plumbing shared by the cabinet
// builder and its collaborators. A Message has a severity, a stable
// numeric identifier and a printf-style template; handlers decide where
// messages end up.
package messages

import (
	"fmt"
)

type Severity int

const (
	Information Severity = iota
	Warning
	Error
)

func (s Severity) String() string {
	switch s {
	case Information:
		return "information"
	case Warning:
		return "warning"
	case Error:
		return "error"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// Message identifiers. These are stable and show up in the return code
// of a cabinet build.
const (
	IDUnexpectedException   = 1
	IDCabinetCreationFailed = 297
	IDResolveFailed         = 298
	IDRetainRangeMismatch   = 1142
	IDCreateCabinet         = 9001
)

type Message struct {
	Severity Severity
	ID       int
	Format   string
	Args     []interface{}
	Source   string // optional location, usually a file or cabinet path
}

// Text renders the message template with its arguments.
func (m Message) Text() string {
	if len(m.Args) == 0 {
		return m.Format
	}
	return fmt.Sprintf(m.Format, m.Args...)
}

func (m Message) String() string {
	return fmt.Sprintf("%s %d: %s", m.Severity, m.ID, m.Text())
}

func CreateCabinet(cabinetPath string) Message {
	return Message{
		Severity: Information,
		ID:       IDCreateCabinet,
		Format:   "Creating cabinet '%s'.",
		Args:     []interface{}{cabinetPath},
		Source:   cabinetPath,
	}
}

func RetainRangeMismatch(source, fileID string) Message {
	return Message{
		Severity: Warning,
		ID:       IDRetainRangeMismatch,
		Format:   "The retain ranges for file '%s' do not match the previous version of the file. The ranges were ignored.",
		Args:     []interface{}{fileID},
		Source:   source,
	}
}

func UnexpectedException(message, typeName, stackTrace string) Message {
	return Message{
		Severity: Error,
		ID:       IDUnexpectedException,
		Format:   "An unexpected error occurred: %s\nType: %s\nStack Trace:\n%s",
		Args:     []interface{}{message, typeName, stackTrace},
	}
}

func CabinetCreationFailed(cabinetPath string, err error) Message {
	return Message{
		Severity: Error,
		ID:       IDCabinetCreationFailed,
		Format:   "Failed to create cabinet '%s': %v",
		Args:     []interface{}{cabinetPath, err},
		Source:   cabinetPath,
	}
}

func ResolveFailed(source, fileID string, err error) Message {
	return Message{
		Severity: Error,
		ID:       IDResolveFailed,
		Format:   "Could not resolve the source of file '%s': %v",
		Args:     []interface{}{fileID, err},
		Source:   source,
	}
}
