package broker

import (
	"fmt"
	"strings"
)

// Well-known topics. Worker status topics are per-slot and built with
// WorkerTopic; subscribers use the "workers:*" pattern to watch all of
// them at once.
const (
	TopicQueueJobs    = "queue:jobs"
	TopicQueueStats   = "queue:stats"
	TopicSystemHealth = "system:health"
)

// WorkerTopic is the per-worker status topic, e.g. "worker:tag:0:status".
func WorkerTopic(queueType string, workerID int) string {
	return fmt.Sprintf("worker:%s:%d:status", queueType, workerID)
}

// MatchTopic reports whether pattern covers topic. A pattern is either an
// exact topic or a prefix ending in "*". "workers:*" is special-cased to
// cover the "worker:" namespace.
func MatchTopic(pattern, topic string) bool {
	if pattern == topic {
		return true
	}
	if pattern == "workers:*" {
		return strings.HasPrefix(topic, "worker:")
	}
	if strings.HasSuffix(pattern, "*") {
		return strings.HasPrefix(topic, strings.TrimSuffix(pattern, "*"))
	}
	return false
}
