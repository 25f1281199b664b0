package tableflow

type executor interface {
	RunPartition(job *BulkJob, jobNumber int, binID uint, splits []inputSplit) error
}

type localExecutor struct{}

func (localExecutor) RunPartition(job *BulkJob, jobNumber int, binID uint, splits []inputSplit) error {
	_, err := job.runPartition(binID, splits)
	return err
}
