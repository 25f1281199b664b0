package tableflow

import (
	"context"
	"encoding/json"
	"os"
	"runtime/debug"
	"strconv"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"github.com/codenohup/tableflow/internal/pkg/flowfs"
	"github.com/codenohup/tableflow/internal/pkg/flowlambda"
)

var (
	lambdaDriver *Driver
)

// runningInLambda infers if the program is running in AWS lambda via inspection of the environment
func runningInLambda() bool {
	expectedEnvVars := []string{"LAMBDA_TASK_ROOT", "AWS_EXECUTION_ENV", "LAMBDA_RUNTIME_DIR"}
	for _, envVar := range expectedEnvVars {
		if os.Getenv(envVar) == "" {
			return false
		}
	}
	return true
}

// newTaskRunner builds the partition runner for a worker process from a
// received task payload. The task carries the broadcast snapshot and
// the driving process's credential bundle; unlike the driver-side
// constructor, workers never stage the snapshot fallback, they only
// read it.
func newTaskRunner(t task, fs flowfs.FileSystem) *Runner {
	loadConfig()

	return &Runner{
		proc:          liveProcess,
		broadcast:     t.Snapshot,
		ambient:       t.Credentials,
		fs:            fs,
		tmpConfigPath: viper.GetString("tmpConfigPath"),
		batchSize:     t.BatchSize,
		poolSize:      viper.GetInt64("poolSize"),
		dial:          openConnection,
	}
}

func prepareResult(job *BulkJob, functionStartTime time.Time) string {
	result := taskResult{
		BytesRead:        int(atomic.LoadInt64(&job.bytesRead)),
		RecordsProcessed: int(atomic.LoadInt64(&job.recordsProcessed)),
		OutputsWritten:   int(atomic.LoadInt64(&job.outputsWritten)),
		RunningTime:      time.Since(functionStartTime).Milliseconds(),
	}

	payload, _ := json.Marshal(result)
	return string(payload)
}

func handleRequest(ctx context.Context, t task) (string, error) {
	functionStartTime := time.Now()
	log.Debugf("Received partition task: job %d, bin %d", t.JobNumber, t.BinID)

	// Precaution to avoid running out of memory for reused Lambdas
	debug.FreeOSMemory()

	// Setup current job
	fs := flowfs.InitFilesystem(t.FileSystemType)
	currentJob := lambdaDriver.jobs[t.JobNumber]
	currentJob.fileSystem = fs
	currentJob.outputPath = t.WorkingLocation
	currentJob.config.Cleanup = t.Cleanup
	if t.BatchSize > 0 {
		currentJob.BatchSize = t.BatchSize
	}
	currentJob.runner = newTaskRunner(t, fs)

	// Reset job counters in case this is a reused lambda
	currentJob.resetCounters()

	_, err := currentJob.runPartition(t.BinID, t.Splits)
	return prepareResult(currentJob, functionStartTime), err
}

// LambdaExecutor runs partition tasks on AWS Lambda
type LambdaExecutor struct {
	*flowlambda.LambdaClient
	FunctionName string
}

// NewLambdaExecutor initializes a LambdaExecutor for functionName
func NewLambdaExecutor(functionName string) *LambdaExecutor {
	return &LambdaExecutor{
		LambdaClient: flowlambda.NewLambdaClient(),
		FunctionName: functionName,
	}
}

func loadTaskResult(payload []byte) taskResult {
	// Unescape JSON string
	payloadStr, _ := strconv.Unquote(string(payload))

	var result taskResult
	err := json.Unmarshal([]byte(payloadStr), &result)
	if err != nil {
		log.Errorf("%s", err)
	}
	return result
}

// RunPartition ships one partition task to the worker function
func (l *LambdaExecutor) RunPartition(job *BulkJob, jobNumber int, binID uint, splits []inputSplit) error {
	fsType := flowfs.Local
	if _, ok := job.fileSystem.(*flowfs.S3FileSystem); ok {
		fsType = flowfs.S3
	}

	partitionTask := task{
		JobNumber:       jobNumber,
		BinID:           binID,
		Splits:          splits,
		FileSystemType:  fsType,
		WorkingLocation: job.outputPath,
		Cleanup:         job.config.Cleanup,
		BatchSize:       job.BatchSize,
		Snapshot:        job.runner.broadcast,
		Credentials:     job.runner.ambient,
	}
	payload, err := json.Marshal(partitionTask)
	if err != nil {
		return err
	}

	resultPayload, err := l.Invoke(l.FunctionName, payload)
	result := loadTaskResult(resultPayload)

	atomic.AddInt64(&job.bytesRead, int64(result.BytesRead))
	atomic.AddInt64(&job.recordsProcessed, int64(result.RecordsProcessed))
	atomic.AddInt64(&job.outputsWritten, int64(result.OutputsWritten))

	return err
}

// Deploy creates or updates the worker function
func (l *LambdaExecutor) Deploy() {
	config := &flowlambda.FunctionConfig{
		Name:       l.FunctionName,
		RoleARN:    viper.GetString("lambdaRoleARN"),
		CodePath:   viper.GetString("lambdaZipPath"),
		Timeout:    viper.GetInt64("lambdaTimeout"),
		MemorySize: viper.GetInt64("lambdaMemory"),
	}
	if err := l.DeployFunction(config); err != nil {
		panic(err)
	}
}

// Undeploy deletes the worker function
func (l *LambdaExecutor) Undeploy() {
	log.Info("Undeploying function")
	if err := l.DeleteFunction(l.FunctionName); err != nil {
		log.Errorf("Error when undeploying function: %s", err)
	}
}
