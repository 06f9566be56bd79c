package runtime

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"

	"github.com/ccomkhj/datumaro-gui/internal/errhandling"
	"github.com/ccomkhj/datumaro-gui/internal/pathutil"
)

// LockSuffix is appended to the batch id for the lock file in the export root.
const LockSuffix = ".lock"

// ExportLock is an exclusive advisory lock on the exports of one batch.
type ExportLock struct {
	lock *flock.Flock
}

// LockBatchExports takes the lock guarding the run exports of batchID
// without blocking. Runs on other batches are not affected. It fails with
// ErrExportLocked when another process or run already holds it.
func LockBatchExports(exportDir, batchID string) (*ExportLock, error) {
	if err := pathutil.ValidateFileName(batchID); err != nil {
		return nil, &StageError{Stage: StageLoad, Code: ErrCodeInvalidInput,
			Err: errhandling.NewConfigError(fmt.Sprintf("batch id %q", batchID), err)}
	}
	if err := os.MkdirAll(exportDir, 0o755); err != nil {
		return nil, errhandling.NewIOError(fmt.Sprintf("creating export dir %s", exportDir), err)
	}
	path := filepath.Join(exportDir, batchID+LockSuffix)
	l := flock.New(path)
	ok, err := l.TryLock()
	if err != nil {
		return nil, errhandling.NewIOError(fmt.Sprintf("locking %s", path), err)
	}
	if !ok {
		return nil, &StageError{Stage: StageLoad, Code: ErrCodeLockContended, Err: ErrExportLocked}
	}
	return &ExportLock{lock: l}, nil
}

// Unlock releases the lock. It is safe to call more than once.
func (l *ExportLock) Unlock() error {
	if l == nil || l.lock == nil {
		return nil
	}
	return l.lock.Unlock()
}
