package models

import "time"

// TrackingInfo classifies an identity by its recorded content. It is derived
// from the content store, cached per public key, and always recomputable.
type TrackingInfo struct {
	Exists       bool
	ContentCount int
	FirstSeen    time.Time
	LastSeen     time.Time
	PublicKey    string
}

// ActivitySummary aggregates an identity's stored content.
// RecentAddresses holds at most ten content addresses, most recent first.
type ActivitySummary struct {
	TotalContent    int
	TotalBytes      int64
	LastActivity    time.Time
	RecentAddresses []string
}
