package tableflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/dynamodb"
	lru "github.com/hashicorp/golang-lru"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/semaphore"
)

func stringAttr(s string) *dynamodb.AttributeValue {
	return &dynamodb.AttributeValue{S: aws.String(s)}
}

// fakeTable records every store call for assertions
type fakeTable struct {
	mu        sync.Mutex
	name      string
	flushes   [][]*Mutation
	lookups   [][]*Get
	mutateIfs []*Mutation

	submitErr    error
	lookupFn     func(gets []*Get) []Item
	conditionMet bool
	mutateIfErr  error
}

func (f *fakeTable) Name() string {
	if f.name == "" {
		return "fake"
	}
	return f.name
}

func (f *fakeTable) BatchSubmit(ctx context.Context, batch []*Mutation) error {
	f.recordFlush(batch)
	return f.submitErr
}

func (f *fakeTable) SubmitEach(ctx context.Context, batch []*Mutation, callback ResultCallback) error {
	f.recordFlush(batch)
	for _, m := range batch {
		callback(Result{Mutation: m, Err: f.submitErr})
	}
	return f.submitErr
}

func (f *fakeTable) BatchLookup(ctx context.Context, gets []*Get) ([]Item, error) {
	f.mu.Lock()
	copied := make([]*Get, len(gets))
	copy(copied, gets)
	f.lookups = append(f.lookups, copied)
	f.mu.Unlock()

	if f.submitErr != nil {
		return nil, f.submitErr
	}
	if f.lookupFn != nil {
		return f.lookupFn(gets), nil
	}
	return make([]Item, len(gets)), nil
}

func (f *fakeTable) MutateIf(ctx context.Context, m *Mutation, cond *Condition) (bool, error) {
	f.mu.Lock()
	f.mutateIfs = append(f.mutateIfs, m)
	f.mu.Unlock()
	return f.conditionMet, f.mutateIfErr
}

func (f *fakeTable) recordFlush(batch []*Mutation) {
	f.mu.Lock()
	defer f.mu.Unlock()
	copied := make([]*Mutation, len(batch))
	copy(copied, batch)
	f.flushes = append(f.flushes, copied)
}

func (f *fakeTable) flushCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.flushes)
}

func (f *fakeTable) flushedMutations() []*Mutation {
	f.mu.Lock()
	defer f.mu.Unlock()
	all := make([]*Mutation, 0)
	for _, flush := range f.flushes {
		all = append(all, flush...)
	}
	return all
}

// newTestConnection builds a connection whose table handles resolve to
// table, bypassing the store SDK
func newTestConnection(table Table, poolSize int64) *Connection {
	tables, _ := lru.New(tableCacheSize)
	conn := &Connection{
		tables:   tables,
		newTable: func(string) Table { return table },
	}
	if poolSize > 0 {
		conn.pool = semaphore.NewWeighted(poolSize)
	}
	return conn
}

func stringRecords(n int) []interface{} {
	records := make([]interface{}, n)
	for i := range records {
		records[i] = fmt.Sprintf("record-%d", i)
	}
	return records
}

func recordToPut(record interface{}) (*Mutation, error) {
	return NewPut(Item{"id": stringAttr(record.(string))}, nil), nil
}

func TestBatchMutateFlushCounts(t *testing.T) {
	cases := []struct {
		records   int
		batchSize int
		flushes   int
	}{
		{records: 0, batchSize: 10, flushes: 0},
		{records: 1, batchSize: 10, flushes: 1},
		{records: 10, batchSize: 10, flushes: 1},
		{records: 11, batchSize: 10, flushes: 2},
		{records: 25, batchSize: 10, flushes: 3},
		{records: 1000, batchSize: 100, flushes: 10},
	}

	for _, c := range cases {
		t.Run(fmt.Sprintf("%d_records_batch_%d", c.records, c.batchSize), func(t *testing.T) {
			table := &fakeTable{}
			conn := newTestConnection(table, 0)

			err := runBatchMutate(context.Background(), conn, table,
				IteratorOf(stringRecords(c.records)...), recordToPut, c.batchSize, false, nil)
			require.NoError(t, err)

			assert.Equal(t, c.flushes, table.flushCount())

			// No mutation lost or duplicated, in input order
			all := table.flushedMutations()
			require.Len(t, all, c.records)
			for i, m := range all {
				assert.Equal(t, fmt.Sprintf("record-%d", i), *m.Key["id"].S)
			}

			// Every flush except the last is exactly batchSize
			for i, flush := range table.flushes {
				if i < len(table.flushes)-1 {
					assert.Len(t, flush, c.batchSize)
				} else {
					assert.LessOrEqual(t, len(flush), c.batchSize)
					assert.Greater(t, len(flush), 0)
				}
			}
		})
	}
}

func TestBatchMutateFullBatches(t *testing.T) {
	table := &fakeTable{}
	conn := newTestConnection(table, 0)

	err := runBatchMutate(context.Background(), conn, table,
		IteratorOf(stringRecords(1000)...), recordToPut, 100, false, nil)
	require.NoError(t, err)

	require.Equal(t, 10, table.flushCount())
	for _, flush := range table.flushes {
		assert.Len(t, flush, 100)
	}
}

func TestBatchMutateAutoFlush(t *testing.T) {
	table := &fakeTable{}
	conn := newTestConnection(table, 0)

	err := runBatchMutate(context.Background(), conn, table,
		IteratorOf(stringRecords(5)...), recordToPut, 100, true, nil)
	require.NoError(t, err)

	require.Equal(t, 5, table.flushCount())
	for _, flush := range table.flushes {
		assert.Len(t, flush, 1)
	}
}

func TestBatchMutateSkipsNilMutations(t *testing.T) {
	table := &fakeTable{}
	conn := newTestConnection(table, 0)

	skipOdd := func(record interface{}) (*Mutation, error) {
		if len(record.(string))%2 == 1 {
			return nil, nil
		}
		return recordToPut(record)
	}

	err := runBatchMutate(context.Background(), conn, table,
		IteratorOf("aa", "b", "cc", "d"), skipOdd, 10, false, nil)
	require.NoError(t, err)
	assert.Len(t, table.flushedMutations(), 2)
}

func TestBatchMutateSubmitErrorIsFatal(t *testing.T) {
	table := &fakeTable{submitErr: errors.New("store unavailable")}
	conn := newTestConnection(table, 0)

	err := runBatchMutate(context.Background(), conn, table,
		IteratorOf(stringRecords(30)...), recordToPut, 10, false, nil)
	require.Error(t, err)

	// The failed flush is the first and last one; nothing is retried
	assert.Equal(t, 1, table.flushCount())
}

func TestBatchMutateBuilderErrorIsFatal(t *testing.T) {
	table := &fakeTable{}
	conn := newTestConnection(table, 0)

	build := func(record interface{}) (*Mutation, error) {
		return nil, errors.New("malformed record")
	}

	err := runBatchMutate(context.Background(), conn, table,
		IteratorOf(stringRecords(3)...), build, 10, false, nil)
	require.Error(t, err)
	assert.Equal(t, 0, table.flushCount())
}

func TestBatchMutateCallbackReceivesEveryOutcome(t *testing.T) {
	table := &fakeTable{}
	conn := newTestConnection(table, 2)

	var mu sync.Mutex
	outcomes := make([]Result, 0)
	callback := func(r Result) {
		mu.Lock()
		outcomes = append(outcomes, r)
		mu.Unlock()
	}

	err := runBatchMutate(context.Background(), conn, table,
		IteratorOf(stringRecords(25)...), recordToPut, 10, false, callback)
	require.NoError(t, err)
	require.NoError(t, conn.join())

	assert.Equal(t, 3, table.flushCount())
	assert.Len(t, outcomes, 25)
	for _, outcome := range outcomes {
		assert.NoError(t, outcome.Err)
	}
}

func TestBatchMutateCallbackErrorSurfacesAtJoin(t *testing.T) {
	table := &fakeTable{submitErr: errors.New("store unavailable")}
	conn := newTestConnection(table, 2)

	err := runBatchMutate(context.Background(), conn, table,
		IteratorOf(stringRecords(5)...), recordToPut, 10, false, func(Result) {})
	require.NoError(t, err)

	assert.Error(t, conn.join())
}

func TestConditionalMutateSubmitsRowAtATime(t *testing.T) {
	table := &fakeTable{conditionMet: true}

	build := func(record interface{}) (*Mutation, *Condition, error) {
		return NewDelete(Item{"id": stringAttr(record.(string))}),
			&Condition{Attribute: "state", Equals: stringAttr("stale")}, nil
	}

	applied := 0
	err := runConditionalMutate(context.Background(), table,
		IteratorOf(stringRecords(7)...), build,
		func(_ interface{}, ok bool) {
			if ok {
				applied++
			}
		})
	require.NoError(t, err)

	// No batching on the conditional path
	assert.Len(t, table.mutateIfs, 7)
	assert.Equal(t, 0, table.flushCount())
	assert.Equal(t, 7, applied)
}

func TestConditionalMutateConditionNotMetIsNotAnError(t *testing.T) {
	table := &fakeTable{conditionMet: false}

	build := func(record interface{}) (*Mutation, *Condition, error) {
		return NewDelete(Item{"id": stringAttr(record.(string))}),
			&Condition{Attribute: "state"}, nil
	}

	applied := 0
	err := runConditionalMutate(context.Background(), table,
		IteratorOf(stringRecords(3)...), build,
		func(_ interface{}, ok bool) {
			if ok {
				applied++
			}
		})
	require.NoError(t, err)
	assert.Equal(t, 0, applied)
}
