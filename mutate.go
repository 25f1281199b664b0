package tableflow

import (
	"context"

	humanize "github.com/dustin/go-humanize"
	log "github.com/sirupsen/logrus"
)

// MutationBuilder converts one input record into its pending mutation.
// Returning a nil mutation skips the record.
type MutationBuilder func(record interface{}) (*Mutation, error)

// ConditionalBuilder converts one input record into a mutation guarded
// by a per-row condition
type ConditionalBuilder func(record interface{}) (*Mutation, *Condition, error)

// runBatchMutate consumes the partition's records, buffering mutations
// until batchSize is reached and flushing each full batch as one store
// call. The final partial batch is always drained. With a callback the
// flush goes through the connection's submission pool and per-mutation
// outcomes stream to the callback; without one the flush blocks until
// the whole batch completes. autoFlush forces a flush after every
// record instead of buffering.
//
// A failed flush is fatal for the partition task. No flush is retried
// here: earlier batches are already durably applied, so a retry is only
// safe as a re-execution of the whole task by the enclosing engine.
func runBatchMutate(ctx context.Context, conn *Connection, table Table, records *RecordIterator,
	build MutationBuilder, batchSize int, autoFlush bool, callback ResultCallback) error {
	if batchSize < 1 {
		batchSize = 1
	}

	batch := make([]*Mutation, 0, batchSize)
	var submitted int64
	flushes := 0

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		full := batch
		batch = make([]*Mutation, 0, batchSize)
		submitted += int64(len(full))
		flushes++

		if callback != nil {
			return conn.submitAsync(ctx, table, full, callback)
		}
		return table.BatchSubmit(ctx, full)
	}

	for record := range records.Iter() {
		mutation, err := build(record)
		if err != nil {
			return err
		}
		if mutation == nil {
			continue
		}

		batch = append(batch, mutation)
		if autoFlush || len(batch) >= batchSize {
			if err := flush(); err != nil {
				return err
			}
		}
	}

	if err := flush(); err != nil {
		return err
	}

	log.Debugf("Submitted %s mutations to %s in %d flushes",
		humanize.Comma(submitted), table.Name(), flushes)
	return nil
}

// runConditionalMutate submits each row's mutation individually and
// synchronously; conditional semantics are per-row and cannot be folded
// into a multi-row batch call. A condition that does not hold is a
// normal outcome reported through onOutcome, not an error.
func runConditionalMutate(ctx context.Context, table Table, records *RecordIterator,
	build ConditionalBuilder, onOutcome func(record interface{}, applied bool)) error {
	for record := range records.Iter() {
		mutation, cond, err := build(record)
		if err != nil {
			return err
		}
		if mutation == nil {
			continue
		}

		applied, err := table.MutateIf(ctx, mutation, cond)
		if err != nil {
			return err
		}
		if onOutcome != nil {
			onOutcome(record, applied)
		}
	}
	return nil
}
