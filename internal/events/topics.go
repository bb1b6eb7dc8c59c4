package events

const (
	// TopicThreadActivity fires whenever a thread's running projection changes.
	TopicThreadActivity = "thread.activity"

	// TopicThreadNotice carries user-visible per-thread notices
	// (unread completion, stopped due to inactivity).
	TopicThreadNotice = "thread.notice"

	// TopicBanner carries engine-wide banners (transient errors, quota).
	TopicBanner = "engine.banner"

	// TopicQueueChanged fires when a send queue's contents or pause state change.
	TopicQueueChanged = "queue.changed"
)

// ActivityEvent is published on TopicThreadActivity.
type ActivityEvent struct {
	ThreadID string   `json:"thread_id"`
	Running  []string `json:"running"`
	Busy     bool     `json:"busy"`
}

// NoticeKind distinguishes thread notices.
type NoticeKind string

const (
	NoticeUnreadCompletion NoticeKind = "unread_completion"
	NoticeStalled          NoticeKind = "stalled"
	NoticeExternalOwner    NoticeKind = "external_owner"
)

// NoticeEvent is published on TopicThreadNotice.
type NoticeEvent struct {
	ThreadID string     `json:"thread_id"`
	Kind     NoticeKind `json:"kind"`
	Message  string     `json:"message,omitempty"`
}

// BannerEvent is published on TopicBanner. Persistent banners stay until
// explicitly cleared; transient ones self-clear after TTL.
type BannerEvent struct {
	Kind       string `json:"kind"` // "error", "quota"
	Message    string `json:"message"`
	Persistent bool   `json:"persistent"`
}

// QueueEvent is published on TopicQueueChanged.
type QueueEvent struct {
	Key    string `json:"key"`
	Length int    `json:"length"`
	Paused bool   `json:"paused"`
}
