package proc

import (
	"context"
	"time"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/teranos/kiln/errors"
)

// OrphanStartTolerance is how far a live process's start time may be from a
// record's started_at for the two to be considered the same process.
const OrphanStartTolerance = 5 * time.Second

// KillOrphan kills pid if it is still alive and was created within
// OrphanStartTolerance of startedAt. A recycled pid that belongs to some
// other process is left alone. It reports whether a kill was sent.
func KillOrphan(ctx context.Context, pid int, startedAt time.Time) (bool, error) {
	if pid <= 0 {
		return false, nil
	}

	alive, err := process.PidExistsWithContext(ctx, int32(pid))
	if err != nil {
		return false, errors.WrapProcess(err, "failed to check orphan pid")
	}
	if !alive {
		return false, nil
	}

	p, err := process.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		// Exited between the two checks
		return false, nil
	}

	createdMS, err := p.CreateTimeWithContext(ctx)
	if err != nil {
		return false, errors.WrapProcess(err, "failed to read orphan start time")
	}
	drift := time.UnixMilli(createdMS).Sub(startedAt)
	if drift < -OrphanStartTolerance || drift > OrphanStartTolerance {
		return false, nil
	}

	if err := p.KillWithContext(ctx); err != nil {
		return false, errors.WrapProcess(err, "failed to kill orphan")
	}
	return true, nil
}
