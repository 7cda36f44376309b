package job

import (
	"time"

	"candy-panel/logger"
)

type bucketPruner interface {
	Prune(maxIdle time.Duration) int
}

// PruneRateLimitJob drops rate limit buckets of clients that went quiet.
type PruneRateLimitJob struct {
	limiter bucketPruner
	maxIdle time.Duration
}

func NewPruneRateLimitJob(l bucketPruner, maxIdle time.Duration) *PruneRateLimitJob {
	return &PruneRateLimitJob{limiter: l, maxIdle: maxIdle}
}

func (j *PruneRateLimitJob) Run() {
	if n := j.limiter.Prune(j.maxIdle); n > 0 {
		logger.Debugf("pruned %d idle rate limit buckets", n)
	}
}
