package domain

// JobStatus is the lifecycle state of an uploaded-object job
type JobStatus string

// Job status constants
const (
	JobStatusQueued     JobStatus = "QUEUED"
	JobStatusProcessing JobStatus = "PROCESSING"
	JobStatusProcessed  JobStatus = "PROCESSED"
	JobStatusNoCredits  JobStatus = "NO_CREDITS"
	JobStatusFailed     JobStatus = "FAILED"
)

// transitions lists the only edges a job may move along
var transitions = map[JobStatus][]JobStatus{
	JobStatusQueued:     {JobStatusProcessing, JobStatusNoCredits},
	JobStatusProcessing: {JobStatusProcessed, JobStatusFailed},
}

// Valid reports whether s is one of the five known statuses
func (s JobStatus) Valid() bool {
	switch s {
	case JobStatusQueued, JobStatusProcessing, JobStatusProcessed, JobStatusNoCredits, JobStatusFailed:
		return true
	}
	return false
}

// IsTerminal reports whether no transition leaves s
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusProcessed || s == JobStatusNoCredits || s == JobStatusFailed
}

// CanTransition reports whether from -> to is an edge of the job state machine
func CanTransition(from, to JobStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// SourcesOf returns every status that may transition into to
func SourcesOf(to JobStatus) []JobStatus {
	var sources []JobStatus
	for from, nexts := range transitions {
		for _, next := range nexts {
			if next == to {
				sources = append(sources, from)
			}
		}
	}
	return sources
}

func (s JobStatus) String() string {
	return string(s)
}
