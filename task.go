package tableflow

import (
	"github.com/codenohup/tableflow/internal/pkg/flowfs"
)

// task defines a serialized description of a single partition's worth
// of work, plus the information a remote worker needs to initialize
// itself: the connection snapshot and the driving process's credential
// bundle.
type task struct {
	JobNumber       int
	BinID           uint
	Splits          []inputSplit
	FileSystemType  flowfs.FileSystemType
	WorkingLocation string
	Cleanup         bool
	BatchSize       int

	Snapshot    *Snapshot
	Credentials *CredentialBundle
}

type taskResult struct {
	BytesRead        int
	RecordsProcessed int
	OutputsWritten   int
	RunningTime      int64
}
