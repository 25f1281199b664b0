package tableflow

import (
	"fmt"
	"io/ioutil"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codenohup/tableflow/internal/pkg/flowfs"
)

func writeInputFile(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "input.tsv")
	require.NoError(t, ioutil.WriteFile(path, []byte(contents), 0666))
	return path
}

func collectRecords(t *testing.T, job *BulkJob, splits []inputSplit) []string {
	t.Helper()
	var readErr error
	records := job.partitionRecords(splits, &readErr)

	collected := make([]string, 0)
	for record := range records.Iter() {
		collected = append(collected, record.(string))
	}
	require.NoError(t, readErr)
	return collected
}

func TestPartitionRecordsReadsWholeFile(t *testing.T) {
	path := writeInputFile(t, "one\ntwo\nthree\n")
	job := NewBulkJob("metrics", OpPut)
	job.fileSystem = &flowfs.LocalFileSystem{}

	records := collectRecords(t, job, []inputSplit{{Filename: path, StartOffset: 0, EndOffset: 14}})
	assert.Equal(t, []string{"one", "two", "three"}, records)
}

func TestSplitBoundaryLinesReadExactlyOnce(t *testing.T) {
	lines := make([]string, 20)
	for i := range lines {
		lines[i] = fmt.Sprintf("record-%02d", i)
	}
	contents := strings.Join(lines, "\n") + "\n"
	path := writeInputFile(t, contents)

	job := NewBulkJob("metrics", OpPut)
	job.fileSystem = &flowfs.LocalFileSystem{}

	// Split sizes that cut mid-line and exactly on line boundaries
	for _, splitSize := range []int64{10, 16, 64, int64(len(contents))} {
		t.Run(fmt.Sprintf("splitSize_%d", splitSize), func(t *testing.T) {
			splits := splitInputFile(flowfs.FileInfo{Name: path, Size: int64(len(contents))}, splitSize)

			collected := make([]string, 0)
			for _, split := range splits {
				collected = append(collected, collectRecords(t, job, []inputSplit{split})...)
			}
			assert.Equal(t, lines, collected)
		})
	}
}

func TestRunPartitionPut(t *testing.T) {
	contents := ""
	for i := 0; i < 10; i++ {
		contents += fmt.Sprintf("key-%d\tvalue-%d\n", i, i)
	}
	path := writeInputFile(t, contents)

	table := &fakeTable{}
	runner, _ := newTestRunner(table)

	job := NewBulkJob("metrics", OpPut)
	job.fileSystem = &flowfs.LocalFileSystem{}
	job.runner = runner
	job.BatchSize = 4
	job.BuildMutation = func(record interface{}) (*Mutation, error) {
		fields := strings.SplitN(record.(string), "\t", 2)
		return NewPut(Item{"id": stringAttr(fields[0])}, Item{"value": stringAttr(fields[1])}), nil
	}

	result, err := job.runPartition(0, []inputSplit{{Filename: path, StartOffset: 0, EndOffset: int64(len(contents))}})
	require.NoError(t, err)

	// ceil(10/4)
	assert.Equal(t, 3, table.flushCount())
	assert.Len(t, table.flushedMutations(), 10)
	assert.Equal(t, 10, result.RecordsProcessed)
	assert.Equal(t, len(contents), result.BytesRead)
}

func TestRunPartitionGetWritesOrderedOutput(t *testing.T) {
	path := writeInputFile(t, "k1\nk2\nk3\n")

	table := &fakeTable{lookupFn: echoLookup}
	runner, _ := newTestRunner(table)

	outputDir := t.TempDir()
	job := NewBulkJob("metrics", OpGet)
	job.fileSystem = &flowfs.LocalFileSystem{}
	job.runner = runner
	job.outputPath = outputDir
	job.BatchSize = 2
	job.BuildGet = func(record interface{}) (*Get, error) {
		return &Get{Key: Item{"id": stringAttr(record.(string))}}, nil
	}
	job.Convert = func(item Item) (interface{}, error) {
		return *item["value"].S, nil
	}

	result, err := job.runPartition(7, []inputSplit{{Filename: path, StartOffset: 0, EndOffset: 9}})
	require.NoError(t, err)
	assert.Equal(t, 3, result.OutputsWritten)

	written, err := ioutil.ReadFile(filepath.Join(outputDir, "Output", "output-part-7"))
	require.NoError(t, err)
	assert.Equal(t, "value-of-k1\nvalue-of-k2\nvalue-of-k3\n", string(written))
}

func TestRunPartitionCheckPutCountsConditionsMet(t *testing.T) {
	path := writeInputFile(t, "k1\nk2\nk3\n")

	table := &fakeTable{conditionMet: true}
	runner, _ := newTestRunner(table)

	job := NewBulkJob("metrics", OpCheckPut)
	job.fileSystem = &flowfs.LocalFileSystem{}
	job.runner = runner
	job.BuildCondition = func(record interface{}) (*Mutation, *Condition, error) {
		return NewPut(Item{"id": stringAttr(record.(string))}, nil), &Condition{Attribute: "id"}, nil
	}

	_, err := job.runPartition(0, []inputSplit{{Filename: path, StartOffset: 0, EndOffset: 9}})
	require.NoError(t, err)
	assert.Equal(t, int64(3), job.conditionsMet)
	assert.Len(t, table.mutateIfs, 3)
}

func TestRunPartitionSurfacesReadErrors(t *testing.T) {
	runner, _ := newTestRunner(&fakeTable{})

	job := NewBulkJob("metrics", OpPut)
	job.fileSystem = &flowfs.LocalFileSystem{}
	job.runner = runner
	job.BuildMutation = recordToPut

	_, err := job.runPartition(0, []inputSplit{{Filename: "/nonexistent/input", StartOffset: 0, EndOffset: 100}})
	assert.Error(t, err)
}

func TestResetCounters(t *testing.T) {
	job := NewBulkJob("metrics", OpPut)
	job.bytesRead = 100
	job.recordsProcessed = 10
	job.outputsWritten = 5
	job.conditionsMet = 2

	job.resetCounters()
	assert.Zero(t, job.bytesRead)
	assert.Zero(t, job.recordsProcessed)
	assert.Zero(t, job.outputsWritten)
	assert.Zero(t, job.conditionsMet)
}
