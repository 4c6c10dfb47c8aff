package bekenboot

// Stage names a step of the download lifecycle.
type Stage string

const (
	StageConnect   Stage = "connect"
	StageUnprotect Stage = "unprotect"
	StageBaud      Stage = "baud"
	StageErase     Stage = "erase"
	StageWrite     Stage = "write"
	StageVerify    Stage = "verify"
	StageProtect   Stage = "protect"
	StageReboot    Stage = "reboot"
	StageRead      Stage = "read"

	// Terminal events.
	StageCompleted Stage = "completed"
	StageError     Stage = "error"
)

// Progress is delivered to the ProgressFunc at erase block and write sector
// granularity, and once more with StageCompleted or StageError at the end.
type Progress struct {
	Stage      Stage
	Message    string
	BytesDone  int
	BytesTotal int
	// Err is set for StageError.
	Err error
}

// ProgressFunc receives progress events. It is called from the goroutine
// driving the session and should return quickly.
type ProgressFunc func(Progress)
