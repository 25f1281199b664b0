package tableflow

import (
	"context"
)

// GetBuilder converts one input record into its point-read request.
// Returning a nil get skips the record.
type GetBuilder func(record interface{}) (*Get, error)

// runBatchLookup mirrors the mutation executor's accumulate/flush/drain
// discipline for point reads. Each flush issues one multi-key lookup;
// raw results are converted in request order, so the output sequence
// matches the input order exactly. The converted output is fully
// materialized before returning.
func runBatchLookup(ctx context.Context, table Table, records *RecordIterator,
	build GetBuilder, batchSize int, convert ResultConverter) ([]interface{}, error) {
	if batchSize < 1 {
		batchSize = 1
	}

	batch := make([]*Get, 0, batchSize)
	output := make([]interface{}, 0)

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		items, err := table.BatchLookup(ctx, batch)
		if err != nil {
			return err
		}
		batch = make([]*Get, 0, batchSize)

		for _, item := range items {
			if convert == nil {
				output = append(output, item)
				continue
			}
			converted, err := convert(item)
			if err != nil {
				return err
			}
			output = append(output, converted)
		}
		return nil
	}

	for record := range records.Iter() {
		get, err := build(record)
		if err != nil {
			return nil, err
		}
		if get == nil {
			continue
		}

		batch = append(batch, get)
		if len(batch) >= batchSize {
			if err := flush(); err != nil {
				return nil, err
			}
		}
	}

	if err := flush(); err != nil {
		return nil, err
	}
	return output, nil
}
