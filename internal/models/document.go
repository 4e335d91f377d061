package models

import "time"

// Document is a captured item of content: a scanned page, an extracted text
// body, or any other blob the application wants deduplicated storage for.
type Document struct {
	Title string `json:"title"`
	MIME  string `json:"mime"`
	Data  []byte `json:"data"`
}

// DocumentMeta describes one stored Document. Address is the content hash the
// document was stored under; OwnerKey is the base64 public key of the
// identity that stored it. Metadata entries are what user tracking
// enumerates to classify identities.
type DocumentMeta struct {
	Address   string    `json:"address"`
	OwnerKey  string    `json:"owner_key"`
	Size      int64     `json:"size"`
	CreatedAt time.Time `json:"created_at"`
	Title     string    `json:"title"`
}
