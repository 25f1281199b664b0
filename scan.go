package tableflow

import (
	"context"
	"sync"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/dynamodb"
	"github.com/spf13/viper"
	"golang.org/x/sync/semaphore"
)

// ScanRow is the engine's scan-result shape: the row key plus the
// remaining attribute values.
type ScanRow struct {
	Key   Item
	Attrs Item
}

// ScanReader reads a whole table. Scan execution is delegated to the
// store's native parallel scan; this engine only shapes the output.
type ScanReader interface {
	ReadTable(ctx context.Context, tableName string, fn func(ScanRow) error) error
}

// segmentScanner fans a table scan out over a fixed number of store
// segments. It runs through the same credential-initialization step as
// partition tasks.
type segmentScanner struct {
	runner   *Runner
	segments int64
}

// ScanReader returns a reader scanning with the given number of
// parallel segments. Non-positive values use the configured default.
func (r *Runner) ScanReader(segments int) ScanReader {
	if segments < 1 {
		segments = viper.GetInt("scanSegments")
	}
	if segments < 1 {
		segments = 1
	}
	return &segmentScanner{runner: r, segments: int64(segments)}
}

func (s *segmentScanner) ReadTable(ctx context.Context, tableName string, fn func(ScanRow) error) error {
	return s.runner.runPartitionTask(ctx, false, func(conn *Connection) error {
		keyAttrs, err := tableKeyAttributes(ctx, conn, tableName)
		if err != nil {
			return err
		}

		var mu sync.Mutex // fn is invoked from one segment at a time
		var wg sync.WaitGroup
		var scanErr error
		var errOnce sync.Once
		sem := semaphore.NewWeighted(s.segments)

		for segment := int64(0); segment < s.segments; segment++ {
			if err := sem.Acquire(ctx, 1); err != nil {
				return err
			}
			wg.Add(1)
			go func(segment int64) {
				defer wg.Done()
				defer sem.Release(1)

				input := &dynamodb.ScanInput{
					TableName:     aws.String(tableName),
					Segment:       aws.Int64(segment),
					TotalSegments: aws.Int64(s.segments),
				}
				err := conn.db.ScanPagesWithContext(ctx, input,
					func(page *dynamodb.ScanOutput, _ bool) bool {
						for _, raw := range page.Items {
							row := splitScanRow(Item(raw), keyAttrs)
							mu.Lock()
							err := fn(row)
							mu.Unlock()
							if err != nil {
								errOnce.Do(func() { scanErr = err })
								return false
							}
						}
						return true
					})
				if err != nil {
					errOnce.Do(func() { scanErr = err })
				}
			}(segment)
		}

		wg.Wait()
		return scanErr
	})
}

// tableKeyAttributes reads the table's key schema so scan rows can be
// split into key and non-key attributes
func tableKeyAttributes(ctx context.Context, conn *Connection, tableName string) (map[string]bool, error) {
	described, err := conn.db.DescribeTableWithContext(ctx, &dynamodb.DescribeTableInput{
		TableName: aws.String(tableName),
	})
	if err != nil {
		return nil, err
	}

	keyAttrs := make(map[string]bool, 2)
	for _, element := range described.Table.KeySchema {
		keyAttrs[*element.AttributeName] = true
	}
	return keyAttrs, nil
}

func splitScanRow(raw Item, keyAttrs map[string]bool) ScanRow {
	row := ScanRow{
		Key:   make(Item, len(keyAttrs)),
		Attrs: make(Item, len(raw)),
	}
	for name, value := range raw {
		if keyAttrs[name] {
			row.Key[name] = value
		} else {
			row.Attrs[name] = value
		}
	}
	return row
}
