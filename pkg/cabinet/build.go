package cabinet

import (
	"context"
	"fmt"
	"path/filepath"
	"runtime/debug"

	"github.com/dustin/go-humanize"
	"github.com/go-kit/kit/log/level"
	"github.com/kolide/cabkit/pkg/contexts/ctxlog"
	"github.com/kolide/cabkit/pkg/messages"
	"github.com/pkg/errors"
	"go.opencensus.io/trace"
)

// panicError carries a recovered panic out of a cabinet build.
type panicError struct {
	value interface{}
	stack []byte
}

func (e *panicError) Error() string {
	return fmt.Sprintf("panic: %v", e.value)
}

func (b *Builder) safeBuildCabinet(ctx context.Context, item *WorkItem) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &panicError{value: r, stack: debug.Stack()}
		}
	}()
	return b.buildCabinet(ctx, item)
}

// buildCabinet creates one cabinet. The returned error is the item's
// result; the caller turns it into a message.
func (b *Builder) buildCabinet(ctx context.Context, item *WorkItem) (err error) {
	ctx, span := trace.StartSpan(ctx, "cabinet.buildCabinet")
	defer span.End()
	span.AddAttributes(trace.StringAttribute("cabinet", item.CabinetPath()))

	ctx = ctxlog.With(ctx, "cabinet", item.CabinetPath())
	logger := ctxlog.FromContext(ctx)

	b.notify(messages.CreateCabinet(item.CabinetPath()))

	files := item.Files()

	maxCabinetSize := b.maxCabinetSize(files)
	if maxCabinetSize != 0 {
		level.Debug(logger).Log(
			"msg", "splitting cabinet for large file",
			"file", files[0].ID,
			"size", humanize.IBytes(uint64(files[0].Size)),
			"max_cabinet_size", humanize.IBytes(uint64(maxCabinetSize)),
		)
	}

	if fm := item.FileManager(); fm != nil {
		for _, f := range files {
			mismatch, err := fm.ResolvePatch(ctx, f)
			if err != nil {
				var msgErr *messages.DiagnosticError
				if errors.As(err, &msgErr) {
					return err
				}
				return messages.NewError(messages.ResolveFailed(item.CabinetPath(), f.ID, err), err)
			}
			if mismatch {
				b.notify(messages.RetainRangeMismatch(item.CabinetPath(), f.ID))
			}
		}
	}

	session, err := b.backend.Open(ctx, SessionParams{
		CabinetName:    filepath.Base(item.CabinetPath()),
		CabinetDir:     filepath.Dir(item.CabinetPath()),
		FileCount:      len(files),
		MaxCabinetSize: maxCabinetSize,
		MaxThreshold:   item.MaxThreshold(),
		Level:          item.CompressionLevel(),
	})
	if err != nil {
		return errors.Wrap(err, "opening cabinet session")
	}
	defer func() {
		if closeErr := session.Close(); closeErr != nil && err == nil {
			err = errors.Wrap(closeErr, "closing cabinet session")
		}
	}()

	for _, f := range files {
		if err := session.AddFile(f); err != nil {
			return err
		}
	}

	if err := session.Complete(b.split); err != nil {
		return err
	}

	level.Debug(logger).Log(
		"msg", "cabinet complete",
		"files", len(files),
	)

	return nil
}

// maxCabinetSize is 0, the backend default, unless the item holds just
// one file at or above the uncompressed media threshold and large file
// splitting is configured. Items with more files are never split this
// way, however big their files are.
func (b *Builder) maxCabinetSize(files []*FileRecord) int64 {
	if b.largeFileSplitSize == 0 || len(files) != 1 {
		return 0
	}
	if files[0].Size >= b.uncompressedMediaThreshold {
		return b.largeFileSplitSize
	}
	return 0
}

// failureMessage turns a failed build into the message to report.
// Errors that already carry a message keep it.
func failureMessage(err error) messages.Message {
	var msgErr *messages.DiagnosticError
	if errors.As(err, &msgErr) {
		return msgErr.Message
	}

	var pe *panicError
	if errors.As(err, &pe) {
		return messages.UnexpectedException(pe.Error(), fmt.Sprintf("%T", pe.value), string(pe.stack))
	}

	return messages.UnexpectedException(
		err.Error(),
		fmt.Sprintf("%T", errors.Cause(err)),
		fmt.Sprintf("%+v", err),
	)
}
