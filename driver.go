package tableflow

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	humanize "github.com/dustin/go-humanize"
	log "github.com/sirupsen/logrus"
	flag "github.com/spf13/pflag"
	"github.com/spf13/viper"
	"golang.org/x/sync/semaphore"
	pb "gopkg.in/cheggaaa/pb.v1"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/codenohup/tableflow/internal/pkg/flowfs"
)

// Driver controls the execution of bulk table jobs
type Driver struct {
	jobs     []*BulkJob
	Config   *config
	executor executor
	runID    string
}

// config configures a Driver's execution of jobs
type config struct {
	Inputs          []string
	SplitSize       int64
	BinSize         int64
	MaxConcurrency  int
	WorkingLocation string
	Cleanup         bool
	BatchSize       int
}

func newConfig() *config {
	loadConfig() // Load viper config from settings file(s) and environment

	// Register command line flags
	flag.Parse()
	viper.BindPFlags(flag.CommandLine)

	return &config{
		Inputs:          []string{},
		SplitSize:       viper.GetInt64("splitSize"),
		BinSize:         viper.GetInt64("binSize"),
		MaxConcurrency:  viper.GetInt("maxConcurrency"),
		WorkingLocation: viper.GetString("workingLocation"),
		Cleanup:         viper.GetBool("cleanup"),
		BatchSize:       viper.GetInt("batchSize"),
	}
}

// Option allows configuration of a Driver
type Option func(*config)

// NewDriver creates a new Driver with the provided job and optional configuration
func NewDriver(job *BulkJob, options ...Option) *Driver {
	d := &Driver{
		jobs:     []*BulkJob{job},
		executor: localExecutor{},
		runID:    uuid.NewString(),
	}

	c := newConfig()
	for _, f := range options {
		f(c)
	}

	d.Config = c
	log.Debugf("Loaded config: %#v", c)

	return d
}

// NewMultiStageDriver creates a new Driver with the provided jobs and optional configuration
func NewMultiStageDriver(jobs []*BulkJob, options ...Option) *Driver {
	driver := NewDriver(nil, options...)
	driver.jobs = jobs
	return driver
}

// WithSplitSize sets the input split size of the Driver
func WithSplitSize(s int64) Option {
	return func(c *config) {
		c.SplitSize = s
	}
}

// WithBinSize sets the partition bin size of the Driver
func WithBinSize(s int64) Option {
	return func(c *config) {
		c.BinSize = s
	}
}

// WithWorkingLocation sets the location and filesystem backend of the Driver
func WithWorkingLocation(location string) Option {
	return func(c *config) {
		c.WorkingLocation = location
	}
}

// WithInputs specifies job inputs (i.e. input files/directories)
func WithInputs(inputs ...string) Option {
	return func(c *config) {
		c.Inputs = append(c.Inputs, inputs...)
	}
}

// WithLambdaFuncName sets the name of the worker Lambda function
func WithLambdaFuncName(funcName string) Option {
	return func(c *config) {
		viper.Set("lambdaFunctionName", funcName)
	}
}

func (d *Driver) runJob(job *BulkJob, jobNumber int, inputs []string) {
	inputSplits := job.inputSplits(inputs, d.Config.SplitSize)
	if len(inputSplits) == 0 {
		log.Warnf("No input splits")
		return
	}
	log.Debugf("Number of job input splits: %d", len(inputSplits))

	inputBins := packInputSplits(inputSplits, d.Config.BinSize)
	log.Debugf("Number of partition tasks: %d", len(inputBins))
	bar := pb.New(len(inputBins)).Prefix(fmt.Sprintf("Job%d", jobNumber)).Start()

	var wg sync.WaitGroup
	sem := semaphore.NewWeighted(int64(d.Config.MaxConcurrency))
	for binID, bin := range inputBins {
		sem.Acquire(context.Background(), 1)
		wg.Add(1)
		go func(bID uint, b []inputSplit) {
			defer wg.Done()
			defer sem.Release(1)
			defer bar.Increment()
			err := d.executor.RunPartition(job, jobNumber, bID, b)
			if err != nil {
				log.Errorf("Error when running partition task %d: %s", bID, err)
			}
		}(uint(binID), bin)
	}
	wg.Wait()
	bar.Finish()
}

// inputSplits calculates all input files' inputSplits
func (j *BulkJob) inputSplits(inputs []string, maxSplitSize int64) []inputSplit {
	files := make([]string, 0)
	for _, inputPath := range inputs {
		fileInfos, err := j.fileSystem.ListFiles(inputPath)
		if err != nil {
			log.Warn(err)
			continue
		}

		for _, fInfo := range fileInfos {
			files = append(files, fInfo.Name)
		}
	}

	splits := make([]inputSplit, 0)
	var totalSize int64
	for _, inputFileName := range files {
		fInfo, err := j.fileSystem.Stat(inputFileName)
		if err != nil {
			log.Warnf("Unable to load input file: %s (%s)", inputFileName, err)
			continue
		}

		totalSize += fInfo.Size
		splits = append(splits, splitInputFile(fInfo, maxSplitSize)...)
	}
	if len(splits) > 0 {
		log.Debugf("Average split size: %s bytes", humanize.Bytes(uint64(totalSize)/uint64(len(splits))))
	}

	return splits
}

// run starts the Driver
func (d *Driver) run() {
	if runningInLambda() {
		lambdaDriver = d
		lambda.Start(handleRequest)
	}
	if lBackend, ok := d.executor.(*LambdaExecutor); ok {
		start := time.Now()
		lBackend.Deploy()
		log.Infof("Deployed function %s in %s", viper.GetString("lambdaFunctionName"), time.Since(start))
	}

	if len(d.Config.Inputs) == 0 {
		log.Error("No inputs!")
		return
	}
	log.Debugf("Starting run %s", d.runID)

	snapshot := snapshotFromConfig()

	inputs := d.Config.Inputs
	for idx, job := range d.jobs {
		// Initialize job filesystem
		job.fileSystem = flowfs.InferFilesystem(inputs[0])

		jobWorkingLoc := d.Config.WorkingLocation
		log.Infof("Starting job%d (%d/%d)", idx, idx+1, len(d.jobs))

		if len(d.jobs) > 1 {
			jobWorkingLoc = job.fileSystem.Join(jobWorkingLoc, fmt.Sprintf("job%d", idx))
		}
		job.outputPath = jobWorkingLoc
		if job.BatchSize == 0 {
			job.BatchSize = d.Config.BatchSize
		}
		*job.config = *d.Config

		runner, err := NewRunner(snapshot, WithBatchSize(job.BatchSize))
		if err != nil {
			log.Errorf("Unable to construct partition runner: %s", err)
			return
		}
		job.runner = runner

		job.fileSystem.MakeDir(job.fileSystem.Join(jobWorkingLoc, "Output"))

		jobStart := time.Now()
		d.runJob(job, idx, inputs)
		log.Infof("Job%d (%d/%d) execution time: %s", idx, idx+1, len(d.jobs), time.Since(jobStart))

		log.Infof("Job %d - Bytes Read:\t%s", idx, humanize.Bytes(uint64(job.bytesRead)))
		log.Infof("Job %d - Records Processed:\t%s", idx, humanize.Comma(job.recordsProcessed))
		if job.Op == OpGet {
			log.Infof("Job %d - Outputs Written:\t%s", idx, humanize.Comma(job.outputsWritten))
		}
		if job.Op == OpCheckPut || job.Op == OpCheckDelete {
			log.Infof("Job %d - Conditions Met:\t%s", idx, humanize.Comma(job.conditionsMet))
		}
	}
}

var lambdaFlag = flag.Bool("lambda", false, "Use lambda backend")
var outputDir = flag.StringP("out", "o", "", "Output `directory` (can be local or in S3)")
var verbose = flag.BoolP("verbose", "v", false, "Output verbose logs")
var undeploy = flag.Bool("undeploy", false, "Undeploy the Lambda function without running the driver")

// Main starts the Driver, running the submitted jobs.
func (d *Driver) Main() {
	if viper.GetBool("verbose") {
		log.SetLevel(log.DebugLevel)
	}

	if *undeploy {
		lambdaExecutor := NewLambdaExecutor(viper.GetString("lambdaFunctionName"))
		start := time.Now()
		lambdaExecutor.Undeploy()
		log.Infof("Undeployed function %s in %s", viper.GetString("lambdaFunctionName"), time.Since(start))
		return
	}

	d.Config.Inputs = append(d.Config.Inputs, flag.Args()...)
	if *lambdaFlag {
		d.executor = NewLambdaExecutor(viper.GetString("lambdaFunctionName"))
	}

	if *outputDir != "" {
		d.Config.WorkingLocation = *outputDir
	}

	start := time.Now()
	d.run()
	log.Infof("Job execution time: %s", time.Since(start))
}
