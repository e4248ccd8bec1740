/*
Package cabinet builds the cabinets of an installer package on a
bounded pool of goroutines.

Callers describe each cabinet as a WorkItem, queue them on a Builder and
then call CreateQueuedCabinets, which blocks until every worker has
exited. Workers pull items off a shared FIFO, resolve each file's
source through the item's FileManager and hand the files to a fresh
Backend session. Failures never cross workers: a worker that fails
reports the failure as an error message and stops, while the others
keep draining the queue.

Progress and problems are reported as messages.Message values. The
return code of CreateQueuedCabinets is the identifier of the most recent
error message, or 0.
*/
package cabinet
