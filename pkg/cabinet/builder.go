package cabinet

import (
	"context"
	"sync"

	"github.com/go-kit/kit/log/level"
	"github.com/kolide/cabkit/pkg/cab"
	"github.com/kolide/cabkit/pkg/contexts/ctxlog"
	"github.com/kolide/cabkit/pkg/messages"
	"github.com/pkg/errors"
	"go.opencensus.io/trace"
	"golang.org/x/sync/errgroup"
)

var ErrInvalidThreadCount = errors.New("thread count must be greater than zero")

// Builder creates queued cabinets on a fixed number of goroutines.
type Builder struct {
	threadCount                int
	split                      cab.SplitFunc
	largeFileSplitSize         int64
	uncompressedMediaThreshold int64
	handler                    messages.Handler
	backend                    Backend

	queue workQueue

	// msgMu serializes message delivery and guards the fields below.
	// It is separate from the queue lock so that reporting never
	// blocks a dequeue.
	msgMu     sync.Mutex
	errorCode int
}

type Option func(*Builder)

// WithLargeFileSplitSize sets the maximum cabinet size used for a
// cabinet holding a single large file. Zero disables the override.
func WithLargeFileSplitSize(bytes int64) Option {
	return func(b *Builder) {
		b.largeFileSplitSize = bytes
	}
}

// WithUncompressedMediaThreshold sets the size at which a lone file
// counts as large.
func WithUncompressedMediaThreshold(bytes int64) Option {
	return func(b *Builder) {
		b.uncompressedMediaThreshold = bytes
	}
}

// WithMessageHandler installs the receiver for build messages. Without
// one, error messages make CreateQueuedCabinets return an error.
func WithMessageHandler(h messages.Handler) Option {
	return func(b *Builder) {
		b.handler = h
	}
}

func WithBackend(backend Backend) Option {
	return func(b *Builder) {
		b.backend = backend
	}
}

// New returns a Builder running up to threadCount workers. split is
// handed, untouched, to the backend for every cabinet.
func New(threadCount int, split cab.SplitFunc, opts ...Option) (*Builder, error) {
	if threadCount <= 0 {
		return nil, errors.Wrapf(ErrInvalidThreadCount, "got %d", threadCount)
	}

	b := &Builder{
		threadCount: threadCount,
		split:       split,
		backend:     CabBackend{},
	}

	for _, opt := range opts {
		opt(b)
	}

	if b.largeFileSplitSize < 0 {
		return nil, errors.Errorf("large file split size must not be negative, got %d", b.largeFileSplitSize)
	}
	if b.uncompressedMediaThreshold < 0 {
		return nil, errors.Errorf("uncompressed media threshold must not be negative, got %d", b.uncompressedMediaThreshold)
	}
	if b.backend == nil {
		return nil, errors.New("backend must not be nil")
	}

	return b, nil
}

// Enqueue adds a cabinet to the end of the queue. Don't call it while
// CreateQueuedCabinets is running.
func (b *Builder) Enqueue(item *WorkItem) {
	b.queue.push(item)
}

// CreateQueuedCabinets builds every queued cabinet and waits for all
// workers to finish. It returns the identifier of the last error
// message reported, or 0 if every cabinet was built. The error is only
// set when there is no message handler and a cabinet failed.
//
// ctx carries the logger and trace; builds are not cancelled through it.
func (b *Builder) CreateQueuedCabinets(ctx context.Context) (int, error) {
	ctx, span := trace.StartSpan(ctx, "cabinet.CreateQueuedCabinets")
	defer span.End()

	logger := ctxlog.FromContext(ctx)

	b.msgMu.Lock()
	b.errorCode = 0
	b.msgMu.Unlock()

	queued := b.queue.len()
	threads := b.threadCount
	if queued < threads {
		threads = queued
	}

	if threads == 0 {
		level.Debug(logger).Log("msg", "no cabinets queued")
		return 0, nil
	}

	span.AddAttributes(
		trace.Int64Attribute("cabinets", int64(queued)),
		trace.Int64Attribute("threads", int64(threads)),
	)
	level.Debug(logger).Log(
		"msg", "creating queued cabinets",
		"cabinets", queued,
		"threads", threads,
	)

	var g errgroup.Group
	for i := 0; i < threads; i++ {
		worker := i
		g.Go(func() error {
			return b.work(ctx, worker)
		})
	}
	unhandled := g.Wait()

	// Workers stop after a failure, so items can be left behind when
	// every worker failed.
	if left := b.queue.drain(); left > 0 {
		level.Debug(logger).Log(
			"msg", "discarding cabinets left after all workers stopped",
			"count", left,
		)
	}

	b.msgMu.Lock()
	code := b.errorCode
	b.msgMu.Unlock()

	if code != 0 {
		span.SetStatus(trace.Status{Code: trace.StatusCodeUnknown, Message: "cabinet creation failed"})
	}

	return code, unhandled
}

// work pulls cabinets until the queue is empty or one fails. A failure
// ends this worker only.
func (b *Builder) work(ctx context.Context, worker int) error {
	logger := ctxlog.FromContext(ctx)

	for {
		item, ok := b.queue.pop()
		if !ok {
			return nil
		}

		if err := b.safeBuildCabinet(ctx, item); err != nil {
			level.Debug(logger).Log(
				"msg", "worker stopping after failure",
				"worker", worker,
				"cabinet", item.CabinetPath(),
				"err", err,
			)
			return b.emit(failureMessage(err))
		}
	}
}

// emit delivers m to the handler and records error identifiers. The
// most recent error wins. With no handler installed, an error message
// comes back as an error.
func (b *Builder) emit(m messages.Message) error {
	b.msgMu.Lock()
	defer b.msgMu.Unlock()

	if m.Severity == messages.Error {
		b.errorCode = m.ID
	}

	if b.handler == nil {
		if m.Severity == messages.Error {
			return messages.NewError(m, nil)
		}
		return nil
	}

	b.handler.Handle(m)
	return nil
}

// notify emits an information or warning message. Only error severity
// messages can make emit return an error.
func (b *Builder) notify(m messages.Message) {
	_ = b.emit(m)
}
