package sources

// Default registry wiring. The AT-Protocol platform has no edit feature, so
// its delete-and-repost items run through edit detection; the Twitter facade
// surfaces edits natively and bypasses it. RSS feeds republish on edit and
// are treated like the former, video uploads like the latter.
func DefaultRegistry(r *Registry) *Registry {
	r.Register("bluesky", NewFeedAdapter("bluesky", false))
	r.Register("rss", NewFeedAdapter("rss", false))
	r.Register("nitter", NewFeedAdapter("nitter", true))
	r.Register("youtube", NewFeedAdapter("youtube", true))
	return r
}
