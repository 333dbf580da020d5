package models

import "time"

// Author identifies the upstream account that wrote a post.
type Author struct {
	Username    string `json:"username"`
	DisplayName string `json:"displayName,omitempty"`
}

// MediaAttachment is one media item attached to an upstream post.
type MediaAttachment struct {
	URL     string `json:"url"`
	Type    string `json:"type,omitempty"` // image, video, gifv
	AltText string `json:"altText,omitempty"`
}

// QuotedPost carries the referenced post of a quote.
type QuotedPost struct {
	URL    string `json:"url"`
	Text   string `json:"text,omitempty"`
	Author Author `json:"author"`
}

// UniformPost is the platform-independent post representation every upstream
// adapter produces. Adapters fill what they know and leave the rest zero.
type UniformPost struct {
	ID            string            `json:"id"`
	URL           string            `json:"url"`
	Text          string            `json:"text"`
	PublishedAt   time.Time         `json:"publishedAt"`
	Author        Author            `json:"author"`
	Media         []MediaAttachment `json:"media,omitempty"`
	IsRepost      bool              `json:"isRepost,omitempty"`
	IsQuote       bool              `json:"isQuote,omitempty"`
	IsReply       bool              `json:"isReply,omitempty"`
	IsThreadPost  bool              `json:"isThreadPost,omitempty"`
	ReplyToHandle string            `json:"replyToHandle,omitempty"`
	// PlatformURI is the upstream platform's canonical identifier for the post
	// (e.g. an AT-Protocol at:// URI); empty for platforms without one.
	PlatformURI string      `json:"platformUri,omitempty"`
	HasVideo    bool        `json:"hasVideo,omitempty"`
	QuotedPost  *QuotedPost `json:"quotedPost,omitempty"`
}

// PublishedPost is one row of the published-post ledger.
type PublishedPost struct {
	ID                 int64     `json:"id"`
	SourceID           string    `json:"sourceId"`
	PostID             string    `json:"postId"`
	PostURL            *string   `json:"postUrl,omitempty"`
	DownstreamStatusID *string   `json:"downstreamStatusId,omitempty"`
	PlatformURI        *string   `json:"platformUri,omitempty"`
	PublishedAt        time.Time `json:"publishedAt"`
}

// SourceState is the per-source scheduling and error-budget row.
type SourceState struct {
	SourceID    string     `json:"sourceId"`
	LastCheck   *time.Time `json:"lastCheck,omitempty"`
	LastSuccess *time.Time `json:"lastSuccess,omitempty"`
	PostsToday  int        `json:"postsToday"`
	LastReset   *time.Time `json:"lastReset,omitempty"`
	ErrorCount  int        `json:"errorCount"`
	LastError   *string    `json:"lastError,omitempty"`
	DisabledAt  *time.Time `json:"disabledAt,omitempty"`
	UpdatedAt   time.Time  `json:"updatedAt"`
}

// ActivityEntry is one append-only activity_log row.
type ActivityEntry struct {
	ID        int64          `json:"id"`
	SourceID  *string        `json:"sourceId,omitempty"`
	Action    string         `json:"action"`
	Details   map[string]any `json:"details,omitempty"`
	CreatedAt time.Time      `json:"createdAt"`
}

// EditBufferEntry is one row of the short-lived edit-detection buffer.
type EditBufferEntry struct {
	ID                 int64     `json:"id"`
	SourceID           string    `json:"sourceId"`
	PostID             string    `json:"postId"`
	Username           string    `json:"username"`
	TextNormalized     string    `json:"textNormalized"`
	TextHash           string    `json:"textHash"`
	DownstreamStatusID *string   `json:"downstreamStatusId,omitempty"`
	CreatedAt          time.Time `json:"createdAt"`
}
