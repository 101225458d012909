package cache

import (
	"fmt"

	"github.com/google/uuid"
)

// All keys live under one namespace so the pipeline can share a Redis
// database with other services.
const namespace = "gv"

// JobStatusKey holds the worker's mirrored status of a queue job.
func JobStatusKey(jobID uuid.UUID) string {
	return fmt.Sprintf("%s:job:%s", namespace, jobID)
}

// RateLimitKey counts requests of one ops token in the window starting at
// windowStart (unix seconds).
func RateLimitKey(tokenPrefix string, windowStart int64) string {
	return fmt.Sprintf("%s:ratelimit:%s:%d", namespace, tokenPrefix, windowStart)
}

func LeaseKey(name string) string {
	return fmt.Sprintf("%s:lease:%s", namespace, name)
}

// KNNResultKey addresses cached neighbours of a stored image for one query shape.
func KNNResultKey(sourceID uuid.UUID, queryHash string) string {
	return fmt.Sprintf("%s:knn:%s:%s", namespace, sourceID, queryHash)
}
