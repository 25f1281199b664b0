package tableflow

// RecordIterator iterates over one partition's records. Executors pull
// from it lazily, so no more than one batch of records is materialized
// at a time.
type RecordIterator struct {
	records chan interface{}
}

// Iter iterates over all records in the partition.
func (it *RecordIterator) Iter() <-chan interface{} {
	return it.records
}

// NewRecordIterator wraps a channel of records as a partition iterator
func NewRecordIterator(c chan interface{}) *RecordIterator {
	return &RecordIterator{
		records: c,
	}
}

// IteratorOf builds an iterator over a fixed set of records. Used by
// drivers feeding in-memory partitions.
func IteratorOf(records ...interface{}) *RecordIterator {
	c := make(chan interface{}, len(records))
	for _, record := range records {
		c <- record
	}
	close(c)
	return NewRecordIterator(c)
}
