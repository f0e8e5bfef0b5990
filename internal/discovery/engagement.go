package discovery

import (
	"math"

	"github.com/kalambet/curator/internal/social"
)

// EngagementWindow is how many recent media items Engagement averages over.
const EngagementWindow = 10

// Engagement returns a creator's engagement rate in percent:
// 100 * (avg likes + avg comments) / followers over recent, rounded to two
// decimals. It is a popularity heuristic, not a platform metric. Zero
// followers or no recent media yield 0.
func Engagement(followers int64, recent []social.Media) float64 {
	if followers <= 0 || len(recent) == 0 {
		return 0
	}
	if len(recent) > EngagementWindow {
		recent = recent[:EngagementWindow]
	}

	var likes, comments int64
	for _, m := range recent {
		likes += m.LikeCount
		comments += m.CommentCount
	}
	n := float64(len(recent))
	rate := 100 * (float64(likes)/n + float64(comments)/n) / float64(followers)
	return math.Round(rate*100) / 100
}
