package tableflow

import (
	"bufio"
	"context"
	"fmt"
	"sync/atomic"

	log "github.com/sirupsen/logrus"

	"github.com/codenohup/tableflow/internal/pkg/flowfs"
)

// OpKind selects the bulk operation a BulkJob performs per record
type OpKind int

// Bulk operations supported by a BulkJob
const (
	OpPut OpKind = iota
	OpDelete
	OpIncrement
	OpGet
	OpCheckPut
	OpCheckDelete
)

// BulkJob is the logical container for one bulk operation against a
// table: every input record is converted by the job's builder function
// and applied through the partition task runner. Records are lines of
// the input files; how a line becomes a mutation or lookup is entirely
// the caller's builder logic.
type BulkJob struct {
	Table string
	Op    OpKind

	BuildMutation  MutationBuilder
	BuildGet       GetBuilder
	BuildCondition ConditionalBuilder
	Convert        ResultConverter
	Callback       ResultCallback

	BatchSize int
	AutoFlush bool

	fileSystem flowfs.FileSystem
	runner     *Runner
	config     *config
	outputPath string

	bytesRead        int64
	recordsProcessed int64
	outputsWritten   int64
	conditionsMet    int64
}

// NewBulkJob creates a job performing op against the named table
func NewBulkJob(table string, op OpKind) *BulkJob {
	return &BulkJob{
		Table:  table,
		Op:     op,
		config: &config{},
	}
}

// partitionRecords exposes the records of this partition's splits as a
// lazily-consumed iterator. Read errors abort the feed; the first one
// is reported through readErr.
func (j *BulkJob) partitionRecords(splits []inputSplit, readErr *error) *RecordIterator {
	records := make(chan interface{})
	go func() {
		defer close(records)
		for _, split := range splits {
			if err := j.readSplit(split, records); err != nil {
				log.Errorf("Unable to read input split %s@%d: %s", split.Filename, split.StartOffset, err)
				*readErr = err
				return
			}
		}
	}()
	return NewRecordIterator(records)
}

// readSplit feeds one input split's lines into records. A non-initial
// split skips its first line; the previous split completes the line
// running across the boundary, so every line is read exactly once.
func (j *BulkJob) readSplit(split inputSplit, records chan<- interface{}) error {
	inputSource, err := j.fileSystem.OpenReader(split.Filename, split.StartOffset)
	if err != nil {
		return err
	}
	defer inputSource.Close()

	var bytesRead int64
	scanner := bufio.NewScanner(inputSource)
	scanner.Split(countingSplitFunc(bufio.ScanLines, &bytesRead))

	if split.StartOffset != 0 {
		scanner.Scan()
	}

	for scanner.Scan() {
		records <- scanner.Text()
		atomic.AddInt64(&j.recordsProcessed, 1)

		// Stop reading when the end of the split is reached
		if split.Size() > 0 && bytesRead > split.Size() {
			break
		}
	}

	atomic.AddInt64(&j.bytesRead, bytesRead)
	return scanner.Err()
}

// runPartition executes this job's operation over one partition
func (j *BulkJob) runPartition(binID uint, splits []inputSplit) (taskResult, error) {
	ctx := context.Background()

	var readErr error
	records := j.partitionRecords(splits, &readErr)

	var err error
	switch j.Op {
	case OpPut:
		err = j.runner.BulkPut(ctx, records, j.Table, j.BuildMutation, j.BatchSize, j.AutoFlush)
	case OpDelete:
		if j.Callback != nil {
			err = j.runner.BulkDeleteWithCallback(ctx, records, j.Table, j.BuildMutation, j.BatchSize, j.Callback)
		} else {
			err = j.runner.BulkDelete(ctx, records, j.Table, j.BuildMutation, j.BatchSize)
		}
	case OpIncrement:
		if j.Callback != nil {
			err = j.runner.BulkIncrementWithCallback(ctx, records, j.Table, j.BuildMutation, j.BatchSize, j.Callback)
		} else {
			err = j.runner.BulkIncrement(ctx, records, j.Table, j.BuildMutation, j.BatchSize)
		}
	case OpGet:
		var output []interface{}
		output, err = j.runner.BulkGet(ctx, records, j.Table, j.BuildGet, j.BatchSize, j.Convert)
		if err == nil {
			err = j.writeOutput(binID, output)
		}
	case OpCheckPut, OpCheckDelete:
		err = j.runner.checkAndMutate(ctx, records, j.Table, j.BuildCondition,
			func(_ interface{}, applied bool) {
				if applied {
					atomic.AddInt64(&j.conditionsMet, 1)
				}
			})
	default:
		err = fmt.Errorf("unknown bulk operation: %d", j.Op)
	}

	// Drain so the feeding goroutine always exits, then surface read
	// failures that cut the feed short
	for range records.Iter() {
	}
	if err == nil {
		err = readErr
	}

	return taskResult{
		BytesRead:        int(atomic.LoadInt64(&j.bytesRead)),
		RecordsProcessed: int(atomic.LoadInt64(&j.recordsProcessed)),
		OutputsWritten:   int(atomic.LoadInt64(&j.outputsWritten)),
	}, err
}

// writeOutput persists one partition's converted lookup results
func (j *BulkJob) writeOutput(binID uint, output []interface{}) error {
	if len(output) == 0 {
		return nil
	}

	path := j.fileSystem.Join(j.outputPath, "Output", fmt.Sprintf("output-part-%d", binID))
	writer, err := j.fileSystem.OpenWriter(path)
	if err != nil {
		return err
	}

	for _, value := range output {
		if value == nil {
			continue
		}
		if _, err := fmt.Fprintf(writer, "%v\n", value); err != nil {
			writer.Close()
			return err
		}
		atomic.AddInt64(&j.outputsWritten, 1)
	}
	return writer.Close()
}

// resetCounters clears per-run statistics; needed when a reused worker
// process serves several tasks of the same job
func (j *BulkJob) resetCounters() {
	atomic.StoreInt64(&j.bytesRead, 0)
	atomic.StoreInt64(&j.recordsProcessed, 0)
	atomic.StoreInt64(&j.outputsWritten, 0)
	atomic.StoreInt64(&j.conditionsMet, 0)
}
