package social

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a user or media item does not exist or is
// not visible to the logged-in account.
var ErrNotFound = errors.New("social: not found")

// ErrAuth is returned when the session is missing, expired or was refused
// by the platform (bad password, challenge, two-factor).
var ErrAuth = errors.New("social: authentication required")

// MediaKind classifies a platform media item.
type MediaKind string

const (
	KindPhoto MediaKind = "photo"
	KindVideo MediaKind = "video"
	KindReel  MediaKind = "reel"
	KindAlbum MediaKind = "album"
)

// IsVideo reports whether the kind is a single playable video.
func (k MediaKind) IsVideo() bool {
	return k == KindVideo || k == KindReel
}

// PostID identifies a published story.
type PostID string

// Profile is the public view of an account.
type Profile struct {
	ID             string `json:"id"`
	Handle         string `json:"handle"`
	FullName       string `json:"full_name"`
	FollowerCount  int64  `json:"follower_count"`
	FollowingCount int64  `json:"following_count"`
	MediaCount     int64  `json:"media_count"`
	IsPrivate      bool   `json:"is_private"`
}

// Media is one item returned by a feed, tag or location search.
type Media struct {
	ID           string    `json:"id"`
	Code         string    `json:"code"`
	Kind         MediaKind `json:"kind"`
	OwnerID      string    `json:"owner_id"`
	OwnerHandle  string    `json:"owner_handle"`
	Caption      string    `json:"caption"`
	LikeCount    int64     `json:"like_count"`
	CommentCount int64     `json:"comment_count"`
	ViewCount    int64     `json:"view_count"`
	UserTags     []string  `json:"user_tags"`
	TakenAt      time.Time `json:"taken_at"`
}

// Credentials are the account login details.
type Credentials struct {
	Username string
	Password string
}

// Client is the capability set the curator needs from the platform.
type Client interface {
	// GetUser returns the profile for handle, or ErrNotFound.
	GetUser(ctx context.Context, handle string) (Profile, error)
	// RecentMedia returns up to n of the user's most recent media.
	RecentMedia(ctx context.Context, userID string, n int) ([]Media, error)
	SearchByTag(ctx context.Context, tag string, limit int) ([]Media, error)
	SearchByLocation(ctx context.Context, location string, limit int) ([]Media, error)
	// Download writes the media binary to dest, replacing any existing file.
	Download(ctx context.Context, mediaID, dest string) error
	PublishStory(ctx context.Context, path, caption string) (PostID, error)
	Login(ctx context.Context, creds Credentials) error
	Authenticated() bool
}
