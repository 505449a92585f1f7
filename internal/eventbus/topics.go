package eventbus

// Topics published by fxalert components. Payloads are small structs owned by
// the publishing package.
const (
	TopicDispatchTick  = "dispatch.tick"
	TopicNotifySent    = "notify.sent"
	TopicNotifyFailed  = "notify.failed"
	TopicNotifyDeduped = "notify.deduped"
	TopicDigestSent    = "digest.sent"
	TopicDigestJobs    = "digest.jobs"
	TopicUserJoined    = "user.joined"

	TopicTaskStarted  = "task.started"
	TopicTaskFinished = "task.finished"
	TopicTaskFailed   = "task.failed"
	TopicTaskSkipped  = "task.skipped"
	TopicTaskDropped  = "task.dropped"

	TopicConfigReloaded = "config.reloaded"
)
