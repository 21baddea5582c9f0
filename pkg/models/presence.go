package models

// PresenceEntry is the short-lived JSON document a peer rewrites under
// rooms/<room>/presence/<client_id> on every heartbeat. The file's mtime,
// not LastSeen, is the authoritative liveness clock; LastSeen is carried
// for display.
type PresenceEntry struct {
	Name     string `json:"name"`
	Color    string `json:"color"`
	Status   string `json:"status"`
	ClientID string `json:"client_id"`
	Room     string `json:"room"`
	LastSeen int64  `json:"last_seen"`
}
