package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// ErrIllegalTransition is returned when a status change is not an edge of
// the media lifecycle graph.
var ErrIllegalTransition = errors.New("illegal status transition")

type CreatorStatus string

const (
	CreatorNew      CreatorStatus = "new"
	CreatorApproved CreatorStatus = "approved"
	CreatorBlocked  CreatorStatus = "blocked"
)

// Valid reports whether s is one of the known creator statuses.
func (s CreatorStatus) Valid() bool {
	switch s {
	case CreatorNew, CreatorApproved, CreatorBlocked:
		return true
	}
	return false
}

type Creator struct {
	ID             int64         `json:"id"`
	AccountID      string        `json:"account_id,omitempty"` // platform-assigned; empty when unknown
	Handle         string        `json:"handle"`
	DisplayName    string        `json:"display_name"`
	FollowerCount  int64         `json:"follower_count"`
	FollowingCount int64         `json:"following_count"`
	MediaCount     int64         `json:"media_count"`
	AvgEngagement  float64       `json:"avg_engagement"`
	IsPrivate      bool          `json:"is_private"`
	Status         CreatorStatus `json:"status"`
	Notes          string        `json:"notes"`
	CreatedAt      time.Time     `json:"created_at"`
	UpdatedAt      time.Time     `json:"updated_at"`
}

type MediaItem struct {
	ID              int64       `json:"id"`
	PlatformMediaID string      `json:"platform_media_id"`
	Code            string      `json:"code"`
	CreatorID       int64       `json:"creator_id"`
	CreatorHandle   string      `json:"creator_handle"` // joined from creators on read
	Kind            string      `json:"media_kind"`
	FilePath        string      `json:"file_path,omitempty"`
	Caption         string      `json:"caption"`
	LikeCount       int64       `json:"like_count"`
	CommentCount    int64       `json:"comment_count"`
	ViewCount       int64       `json:"view_count"`
	Hashtags        []string    `json:"hashtags"`
	Mentions        []string    `json:"mentions"`
	Status          MediaStatus `json:"status"`
	DiscoveredAt    time.Time   `json:"discovered_at"`
	PublishedAt     *time.Time  `json:"published_at,omitempty"`
	ErrorMessage    string      `json:"error_message,omitempty"`
}

// PostLog is one publish attempt. Rows are append-only.
type PostLog struct {
	ID           string    `json:"id"`
	MediaID      int64     `json:"media_id"`
	Success      bool      `json:"success"`
	PostID       string    `json:"post_id,omitempty"`
	ErrorMessage string    `json:"error_message,omitempty"`
	PostedAt     time.Time `json:"posted_at"`
}

// DiscoveredMedia is one admitted candidate handed to SaveDiscoveryBatch.
type DiscoveredMedia struct {
	Creator Creator
	Media   MediaItem
}
