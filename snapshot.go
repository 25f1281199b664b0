package tableflow

import (
	"encoding/json"
	"sync"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"github.com/codenohup/tableflow/internal/pkg/flowfs"
)

// Snapshot is the immutable bundle of store connection parameters for a
// job. It is created once by the driver, shipped to workers inside each
// task payload, and optionally staged to a shared filesystem location as
// a durable fallback for workers that cannot use the task payload copy.
type Snapshot struct {
	Region         string
	Endpoint       string
	MaxRetries     int
	HTTPTimeoutSec int

	// SecurityMode selects how workers authenticate: "ambient" uses the
	// process identity as-is, "delegated" expects injected credentials.
	SecurityMode string

	// Credentials carries tokens acquired while preparing store access.
	// These may differ from the general job credentials.
	Credentials *CredentialBundle
}

// snapshotFromConfig builds a Snapshot from the loaded viper config
func snapshotFromConfig() *Snapshot {
	return &Snapshot{
		Region:         viper.GetString("region"),
		Endpoint:       viper.GetString("endpoint"),
		MaxRetries:     viper.GetInt("maxRetries"),
		HTTPTimeoutSec: viper.GetInt("httpTimeoutSec"),
		SecurityMode:   "ambient",
	}
}

// processState holds the mutable per-worker-process caches: the resolved
// snapshot and the credential-injection guard. It is shared by every
// partition task running in the process and guarded by a mutex, so that
// concurrent tasks cannot race the first resolution or double-inject
// credentials.
type processState struct {
	mu        sync.Mutex
	snapshot  *Snapshot
	injected  bool
	creds     *CredentialBundle
	delegated bool
}

// liveProcess is the state of this worker process
var liveProcess = &processState{}

// resolveSnapshot resolves the connection snapshot for this process.
// Resolution order: an already-cached snapshot, the staged fallback at
// tmpPath, then the task-carried broadcast copy. Resolution never fails
// hard: a missing snapshot is logged and reported as nil so that a
// transient read problem on the staged copy cannot abort a whole job.
// Callers treat nil as fatal at first use.
func resolveSnapshot(proc *processState, fs flowfs.FileSystem, tmpPath string, broadcast *Snapshot) *Snapshot {
	proc.mu.Lock()
	defer proc.mu.Unlock()

	if proc.snapshot != nil {
		return proc.snapshot
	}

	if tmpPath != "" && fs != nil {
		snap, err := readStagedSnapshot(fs, tmpPath)
		if err != nil {
			log.Warnf("Unable to read staged snapshot from %s: %s", tmpPath, err)
		} else {
			log.Debugf("Resolved snapshot from staged copy at %s", tmpPath)
			proc.snapshot = snap
			return proc.snapshot
		}
	}

	if broadcast != nil {
		proc.snapshot = broadcast
		return proc.snapshot
	}

	log.Warn("No connection snapshot could be resolved for this process")
	return nil
}

func readStagedSnapshot(fs flowfs.FileSystem, tmpPath string) (*Snapshot, error) {
	reader, err := fs.OpenReader(tmpPath, 0)
	if err != nil {
		return nil, err
	}
	defer reader.Close()

	snap := &Snapshot{}
	if err := json.NewDecoder(reader).Decode(snap); err != nil {
		return nil, err
	}
	return snap, nil
}

// stageSnapshot persists snap to tmpPath unless the location already has
// content. An existing staged snapshot is never overwritten; it belongs
// to whichever job run staged it first.
func stageSnapshot(fs flowfs.FileSystem, tmpPath string, snap *Snapshot) error {
	if info, err := fs.Stat(tmpPath); err == nil && info.Size > 0 {
		log.Warnf("Staged snapshot already exists at %s; leaving it untouched", tmpPath)
		return nil
	}

	writer, err := fs.OpenWriter(tmpPath)
	if err != nil {
		return err
	}

	if err := json.NewEncoder(writer).Encode(snap); err != nil {
		writer.Close()
		return err
	}
	return writer.Close()
}
