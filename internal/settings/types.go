package settings

import "slices"

// Settings are the reviewer-editable values that override the configured
// defaults for subsequent discovery runs and publishes.
type Settings struct {
	MinFollowers  int      `json:"min_followers"`
	MinEngagement float64  `json:"min_engagement"`
	DailyLimit    int      `json:"daily_limit"`
	Hashtags      []string `json:"hashtags"`
}

// Setting keys as stored in app_settings.
const (
	KeyMinFollowers  = "min_followers"
	KeyMinEngagement = "min_engagement"
	KeyDailyLimit    = "daily_limit"
	KeyHashtags      = "hashtags"
)

// Keys lists every editable setting.
var Keys = []string{KeyMinFollowers, KeyMinEngagement, KeyDailyLimit, KeyHashtags}

func (s Settings) clone() Settings {
	s.Hashtags = slices.Clone(s.Hashtags)
	return s
}
