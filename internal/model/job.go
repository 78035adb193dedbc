package model

// JobState is the lifecycle position of a queued job.
type JobState int

const (
	JobPending JobState = iota + 3 // numbering matches the wire values clients expect
	JobHeld
	JobProcessing
	JobStopped
	JobCancelled
	JobAborted
	JobCompleted
)

func (s JobState) String() string {
	switch s {
	case JobPending:
		return "pending"
	case JobHeld:
		return "held"
	case JobProcessing:
		return "processing"
	case JobStopped:
		return "stopped"
	case JobCancelled:
		return "cancelled"
	case JobAborted:
		return "aborted"
	case JobCompleted:
		return "completed"
	default:
		return "unknown"
	}
}

// Terminal reports whether the state admits no further transitions.
func (s JobState) Terminal() bool {
	switch s {
	case JobStopped, JobCancelled, JobAborted, JobCompleted:
		return true
	default:
		return false
	}
}

// Job is one queued print job. The scheduler thread is the only writer;
// reads from other goroutines go through Catalog snapshots.
//
// Procs holds one entry per pipeline slot: the live pid while the child
// runs, the negated pid once reaped, zero before launch. ExitStatus is
// written exactly once per slot, when that pid is reaped. Disposition is
// the overall outcome: zero for success, the filter's status when a
// non-final slot failed, the negated status when the backend (final slot)
// failed and the printer must stop.
type Job struct {
	ID          int64
	PrinterName string
	State       JobState
	Copies      int
	SpoolFile   string
	Filters     [][]string // per-slot argv; the last slot is the backend
	Procs       []int
	ExitStatus  []int
	StatusPipe  int // read end of the pipeline's status pipe, -1 when idle
	Disposition int
	Submitted   int64
}

// LiveProcs counts pipeline slots that have started and not been reaped.
func (j *Job) LiveProcs() int {
	n := 0
	for _, pid := range j.Procs {
		if pid > 0 {
			n++
		}
	}
	return n
}

// SlotForPID locates the pipeline slot owning pid, or -1.
func (j *Job) SlotForPID(pid int) int {
	for i, p := range j.Procs {
		if p == pid {
			return i
		}
	}
	return -1
}

// LastSlot reports whether slot is the final (backend) position.
func (j *Job) LastSlot(slot int) bool {
	return slot == len(j.Procs)-1
}

// JobView is the JSON shape served by the admin API and mirrored to
// Redis.
type JobView struct {
	ID          int64  `json:"id"`
	Printer     string `json:"printer"`
	State       string `json:"state"`
	Copies      int    `json:"copies"`
	Disposition int    `json:"disposition"`
	Submitted   int64  `json:"submitted"`
}

// View snapshots the job for readers outside the scheduler thread.
func (j *Job) View() JobView {
	return JobView{
		ID:          j.ID,
		Printer:     j.PrinterName,
		State:       j.State.String(),
		Copies:      j.Copies,
		Disposition: j.Disposition,
		Submitted:   j.Submitted,
	}
}
