// Package job holds the panel's cron jobs.
package job

// rosterTrigger is the part of the poller the roster job drives.
type rosterTrigger interface {
	TriggerRoster()
}

// RosterRefreshJob asks the poller for a roster round. Rounds that are
// already queued are not duplicated.
type RosterRefreshJob struct {
	poller rosterTrigger
}

func NewRosterRefreshJob(p rosterTrigger) *RosterRefreshJob {
	return &RosterRefreshJob{poller: p}
}

func (j *RosterRefreshJob) Run() {
	j.poller.TriggerRoster()
}
