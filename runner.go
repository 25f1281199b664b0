package tableflow

import (
	"context"

	"github.com/spf13/viper"

	"github.com/codenohup/tableflow/internal/pkg/flowfs"
)

// Runner executes partition tasks against the store. One Runner serves
// a whole job; the enclosing engine invokes a Runner operation once per
// partition (and again on task retry). Every operation follows the same
// sequence: resolve the connection snapshot, inject delegated
// credentials, open a connection scoped to the partition, run the
// executor or user function over the partition's records, and close the
// connection on every exit path.
type Runner struct {
	proc      *processState
	broadcast *Snapshot
	ambient   *CredentialBundle

	fs            flowfs.FileSystem
	tmpConfigPath string
	batchSize     int
	poolSize      int64

	dial func(proc *processState, snap *Snapshot, poolSize int64) (*Connection, error)
}

// RunnerOption allows configuration of a Runner
type RunnerOption func(*Runner)

// WithBatchSize sets the default mutation/lookup batch size
func WithBatchSize(size int) RunnerOption {
	return func(r *Runner) {
		r.batchSize = size
	}
}

// WithPoolSize sets the submission pool size for callback mutations
func WithPoolSize(size int64) RunnerOption {
	return func(r *Runner) {
		r.poolSize = size
	}
}

// WithTmpConfigPath sets the shared-filesystem location the snapshot is
// staged to, and resolved from, as the broadcast fallback
func WithTmpConfigPath(path string) RunnerOption {
	return func(r *Runner) {
		r.tmpConfigPath = path
	}
}

// WithFileSystem sets the filesystem used for the staged snapshot
func WithFileSystem(fs flowfs.FileSystem) RunnerOption {
	return func(r *Runner) {
		r.fs = fs
	}
}

// NewRunner creates a Runner for the job described by snap. The
// driver-ambient credentials are captured here, once, at construction.
// If a staged-snapshot path is configured, the snapshot is persisted
// there unless the location already has content.
func NewRunner(snap *Snapshot, options ...RunnerOption) (*Runner, error) {
	loadConfig()

	r := &Runner{
		proc:          liveProcess,
		broadcast:     snap,
		ambient:       captureAmbientCredentials(),
		batchSize:     viper.GetInt("batchSize"),
		poolSize:      viper.GetInt64("poolSize"),
		tmpConfigPath: viper.GetString("tmpConfigPath"),
		dial:          openConnection,
	}
	for _, option := range options {
		option(r)
	}

	if r.tmpConfigPath != "" {
		if r.fs == nil {
			r.fs = flowfs.InferFilesystem(r.tmpConfigPath)
		}
		if snap != nil {
			if err := stageSnapshot(r.fs, r.tmpConfigPath, snap); err != nil {
				return nil, err
			}
		}
	}

	return r, nil
}

// runPartitionTask is the choke point every bulk operation routes
// through: resolve, inject, open a scoped connection, run fn, release.
func (r *Runner) runPartitionTask(ctx context.Context, pooled bool, fn func(*Connection) error) error {
	snap := resolveSnapshot(r.proc, r.fs, r.tmpConfigPath, r.broadcast)

	var taskCarried *CredentialBundle
	if snap != nil {
		taskCarried = snap.Credentials
	}
	injectCredentials(r.proc, r.ambient, taskCarried)

	var poolSize int64
	if pooled {
		poolSize = r.poolSize
	}
	conn, err := r.dial(r.proc, snap, poolSize)
	if err != nil {
		return err
	}

	return withConnectionScope(conn, fn)
}

func (r *Runner) effectiveBatchSize(batchSize int) int {
	if batchSize > 0 {
		return batchSize
	}
	return r.batchSize
}

// ForeachPartition runs fn over one partition's records with a scoped
// connection and no output
func (r *Runner) ForeachPartition(ctx context.Context, records *RecordIterator,
	fn func(context.Context, *RecordIterator, *Connection) error) error {
	return r.runPartitionTask(ctx, false, func(conn *Connection) error {
		return fn(ctx, records, conn)
	})
}

// MapPartition runs fn over one partition's records and returns fn's
// output sequence as the task's output
func (r *Runner) MapPartition(ctx context.Context, records *RecordIterator,
	fn func(context.Context, *RecordIterator, *Connection) ([]interface{}, error)) ([]interface{}, error) {
	var output []interface{}
	err := r.runPartitionTask(ctx, false, func(conn *Connection) error {
		mapped, err := fn(ctx, records, conn)
		output = mapped
		return err
	})
	if err != nil {
		return nil, err
	}
	return output, nil
}

func (r *Runner) bulkMutate(ctx context.Context, records *RecordIterator, tableName string,
	build MutationBuilder, batchSize int, autoFlush bool, callback ResultCallback) error {
	pooled := callback != nil
	return r.runPartitionTask(ctx, pooled, func(conn *Connection) error {
		table, err := conn.Table(tableName)
		if err != nil {
			return err
		}
		return runBatchMutate(ctx, conn, table, records, build, r.effectiveBatchSize(batchSize), autoFlush, callback)
	})
}

// BulkPut writes one put per record in batches of batchSize. autoFlush
// submits every mutation immediately instead of buffering full batches.
func (r *Runner) BulkPut(ctx context.Context, records *RecordIterator, tableName string,
	build MutationBuilder, batchSize int, autoFlush bool) error {
	return r.bulkMutate(ctx, records, tableName, build, batchSize, autoFlush, nil)
}

// BulkDelete deletes one row per record in batches of batchSize
func (r *Runner) BulkDelete(ctx context.Context, records *RecordIterator, tableName string,
	build MutationBuilder, batchSize int) error {
	return r.bulkMutate(ctx, records, tableName, build, batchSize, false, nil)
}

// BulkIncrement applies one increment per record in batches of batchSize
func (r *Runner) BulkIncrement(ctx context.Context, records *RecordIterator, tableName string,
	build MutationBuilder, batchSize int) error {
	return r.bulkMutate(ctx, records, tableName, build, batchSize, false, nil)
}

// BulkDeleteWithCallback is BulkDelete with per-row outcomes streamed to
// callback. Batches are submitted through the connection's bounded pool,
// so callback invocation order does not match submission order.
func (r *Runner) BulkDeleteWithCallback(ctx context.Context, records *RecordIterator, tableName string,
	build MutationBuilder, batchSize int, callback ResultCallback) error {
	return r.bulkMutate(ctx, records, tableName, build, batchSize, false, callback)
}

// BulkIncrementWithCallback is BulkIncrement with per-row outcomes
// streamed to callback
func (r *Runner) BulkIncrementWithCallback(ctx context.Context, records *RecordIterator, tableName string,
	build MutationBuilder, batchSize int, callback ResultCallback) error {
	return r.bulkMutate(ctx, records, tableName, build, batchSize, false, callback)
}

// BulkGet reads one row per record in batches of batchSize, converting
// each raw result through convert. The output preserves input order.
func (r *Runner) BulkGet(ctx context.Context, records *RecordIterator, tableName string,
	build GetBuilder, batchSize int, convert ResultConverter) ([]interface{}, error) {
	var output []interface{}
	err := r.runPartitionTask(ctx, false, func(conn *Connection) error {
		table, err := conn.Table(tableName)
		if err != nil {
			return err
		}
		looked, err := runBatchLookup(ctx, table, records, build, r.effectiveBatchSize(batchSize), convert)
		output = looked
		return err
	})
	if err != nil {
		return nil, err
	}
	return output, nil
}

func (r *Runner) checkAndMutate(ctx context.Context, records *RecordIterator, tableName string,
	build ConditionalBuilder, onOutcome func(record interface{}, applied bool)) error {
	return r.runPartitionTask(ctx, false, func(conn *Connection) error {
		table, err := conn.Table(tableName)
		if err != nil {
			return err
		}
		return runConditionalMutate(ctx, table, records, build, onOutcome)
	})
}

// CheckAndPut applies each record's put only where its condition holds.
// Rows are submitted individually; a condition that does not hold is a
// normal outcome, not an error.
func (r *Runner) CheckAndPut(ctx context.Context, records *RecordIterator, tableName string,
	build ConditionalBuilder, onOutcome func(record interface{}, applied bool)) error {
	return r.checkAndMutate(ctx, records, tableName, build, onOutcome)
}

// CheckAndDelete applies each record's delete only where its condition
// holds
func (r *Runner) CheckAndDelete(ctx context.Context, records *RecordIterator, tableName string,
	build ConditionalBuilder, onOutcome func(record interface{}, applied bool)) error {
	return r.checkAndMutate(ctx, records, tableName, build, onOutcome)
}

// StreamBulkPut re-invokes BulkPut once per arriving batch of records
func (r *Runner) StreamBulkPut(ctx context.Context, batches <-chan *RecordIterator, tableName string,
	build MutationBuilder, batchSize int, autoFlush bool) error {
	for records := range batches {
		if err := r.BulkPut(ctx, records, tableName, build, batchSize, autoFlush); err != nil {
			return err
		}
	}
	return nil
}

// StreamBulkDelete re-invokes BulkDelete once per arriving batch
func (r *Runner) StreamBulkDelete(ctx context.Context, batches <-chan *RecordIterator, tableName string,
	build MutationBuilder, batchSize int) error {
	for records := range batches {
		if err := r.BulkDelete(ctx, records, tableName, build, batchSize); err != nil {
			return err
		}
	}
	return nil
}

// StreamBulkIncrement re-invokes BulkIncrement once per arriving batch
func (r *Runner) StreamBulkIncrement(ctx context.Context, batches <-chan *RecordIterator, tableName string,
	build MutationBuilder, batchSize int) error {
	for records := range batches {
		if err := r.BulkIncrement(ctx, records, tableName, build, batchSize); err != nil {
			return err
		}
	}
	return nil
}

// StreamBulkGet re-invokes BulkGet once per arriving batch, handing each
// batch's converted output to emit
func (r *Runner) StreamBulkGet(ctx context.Context, batches <-chan *RecordIterator, tableName string,
	build GetBuilder, batchSize int, convert ResultConverter, emit func([]interface{}) error) error {
	for records := range batches {
		output, err := r.BulkGet(ctx, records, tableName, build, batchSize, convert)
		if err != nil {
			return err
		}
		if emit != nil {
			if err := emit(output); err != nil {
				return err
			}
		}
	}
	return nil
}
