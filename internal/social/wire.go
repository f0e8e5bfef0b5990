package social

import (
	"bytes"
	"encoding/json"
	"time"
)

// flexID accepts platform ids encoded either as JSON strings or numbers.
type flexID string

func (f *flexID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*f = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = flexID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*f = flexID(n.String())
	return nil
}

type wireUser struct {
	PK             flexID `json:"pk"`
	Username       string `json:"username"`
	FullName       string `json:"full_name"`
	IsPrivate      bool   `json:"is_private"`
	FollowerCount  int64  `json:"follower_count"`
	FollowingCount int64  `json:"following_count"`
	MediaCount     int64  `json:"media_count"`
}

func (u wireUser) profile() Profile {
	return Profile{
		ID:             string(u.PK),
		Handle:         u.Username,
		FullName:       u.FullName,
		FollowerCount:  u.FollowerCount,
		FollowingCount: u.FollowingCount,
		MediaCount:     u.MediaCount,
		IsPrivate:      u.IsPrivate,
	}
}

type wireUserTag struct {
	User struct {
		Username string `json:"username"`
	} `json:"user"`
}

type wireMedia struct {
	PK           flexID    `json:"pk"`
	Code         string    `json:"code"`
	MediaType    int       `json:"media_type"`
	ProductType  string    `json:"product_type"`
	TakenAt      time.Time `json:"taken_at"`
	CaptionText  string    `json:"caption_text"`
	LikeCount    int64     `json:"like_count"`
	CommentCount int64     `json:"comment_count"`
	ViewCount    int64     `json:"view_count"`
	PlayCount    int64     `json:"play_count"`
	User         struct {
		PK       flexID `json:"pk"`
		Username string `json:"username"`
	} `json:"user"`
	UserTags []wireUserTag `json:"usertags"`
}

// Platform media_type values.
const (
	mediaTypePhoto = 1
	mediaTypeVideo = 2
	mediaTypeAlbum = 8
)

func (m wireMedia) kind() MediaKind {
	switch m.MediaType {
	case mediaTypeVideo:
		if m.ProductType == "clips" {
			return KindReel
		}
		return KindVideo
	case mediaTypeAlbum:
		return KindAlbum
	}
	return KindPhoto
}

func (m wireMedia) media() Media {
	views := m.ViewCount
	if views == 0 {
		views = m.PlayCount
	}
	var tags []string
	for _, t := range m.UserTags {
		if t.User.Username != "" {
			tags = append(tags, t.User.Username)
		}
	}
	return Media{
		ID:           string(m.PK),
		Code:         m.Code,
		Kind:         m.kind(),
		OwnerID:      string(m.User.PK),
		OwnerHandle:  m.User.Username,
		Caption:      m.CaptionText,
		LikeCount:    m.LikeCount,
		CommentCount: m.CommentCount,
		ViewCount:    views,
		UserTags:     tags,
		TakenAt:      m.TakenAt,
	}
}

type wireStory struct {
	PK   flexID `json:"pk"`
	Code string `json:"code"`
}
