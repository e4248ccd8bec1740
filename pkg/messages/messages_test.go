package messages

import (
	"bytes"
	"testing"

	"github.com/go-kit/kit/log"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func TestMessageText(t *testing.T) {
	t.Parallel()

	var tests = []struct {
		in       Message
		severity Severity
		id       int
		text     string
	}{
		{
			in:       CreateCabinet(`out\product.cab`),
			severity: Information,
			id:       IDCreateCabinet,
			text:     `Creating cabinet 'out\product.cab'.`,
		},
		{
			in:       RetainRangeMismatch("app.wxs", "fil1234"),
			severity: Warning,
			id:       IDRetainRangeMismatch,
			text:     "The retain ranges for file 'fil1234' do not match the previous version of the file. The ranges were ignored.",
		},
		{
			in:       CabinetCreationFailed("product.cab", errors.New("disk full")),
			severity: Error,
			id:       IDCabinetCreationFailed,
			text:     "Failed to create cabinet 'product.cab': disk full",
		},
		{
			in:       Message{Severity: Error, ID: 7, Format: "100% literal"},
			severity: Error,
			id:       7,
			text:     "100% literal",
		},
	}

	for _, tt := range tests {
		require.Equal(t, tt.severity, tt.in.Severity)
		require.Equal(t, tt.id, tt.in.ID)
		require.Equal(t, tt.text, tt.in.Text())
	}
}

func TestSeverityString(t *testing.T) {
	t.Parallel()

	require.Equal(t, "information", Information.String())
	require.Equal(t, "warning", Warning.String())
	require.Equal(t, "error", Error.String())
	require.Equal(t, "unknown(9)", Severity(9).String())
}

func TestErrorAs(t *testing.T) {
	t.Parallel()

	cause := errors.New("boom")
	err := errors.Wrap(NewError(CabinetCreationFailed("a.cab", cause), cause), "building")

	var msgErr *DiagnosticError
	require.True(t, errors.As(err, &msgErr))
	require.Equal(t, IDCabinetCreationFailed, msgErr.Message.ID)
	require.True(t, errors.Is(err, cause))
	require.Equal(t, "Failed to create cabinet 'a.cab': boom", msgErr.Error())
}

func TestLogHandler(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	h := NewLogHandler(log.NewLogfmtLogger(&buf))

	h.Handle(RetainRangeMismatch("layout.yaml", "fileA"))
	require.Contains(t, buf.String(), "level=warn")
	require.Contains(t, buf.String(), "id=1142")
	require.Contains(t, buf.String(), "source=layout.yaml")

	buf.Reset()
	h.Handle(CreateCabinet("b.cab"))
	require.Contains(t, buf.String(), "level=info")

	buf.Reset()
	h.Handle(UnexpectedException("bad", "*errors.errorString", ""))
	require.Contains(t, buf.String(), "level=error")
	require.Contains(t, buf.String(), "severity=error")
}

func TestHandlerFunc(t *testing.T) {
	t.Parallel()

	var got []Message
	var h Handler = HandlerFunc(func(m Message) { got = append(got, m) })
	h.Handle(CreateCabinet("x.cab"))

	require.Len(t, got, 1)
	require.Equal(t, IDCreateCabinet, got[0].ID)
}
