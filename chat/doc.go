// Package chat records Twitch chat for channels that are currently live.
//
// A single IRC connection is shared by all channels. The poller reports
// sessions through the SessionObserver methods: StreamLive joins the
// channel's room and tags incoming messages with the open stream's row id,
// StreamOffline departs. Messages are buffered and written in batches.
//
// Credentials: when TWITCH_BOT_USERNAME and TWITCH_OAUTH_TOKEN are both set
// the client logs in with them; otherwise it joins anonymously, which is
// enough to read chat.
package chat
