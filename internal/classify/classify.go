// Package classify infers the structural type of a post (original, reply,
// quote, repost) from its text and metadata. The backend may attach an
// explicit type to an item; that always wins over the heuristics here.
package classify

import (
	"regexp"
	"strings"

	"backcheck/internal/model"
)

// FallbackHandle stands in when the viewing user's own handle cannot be
// resolved. Self-quote detection degrades for accounts whose reposts happen
// to match it; kept as-is pending product clarification.
const FallbackHandle = "user"

var mentionRegex = regexp.MustCompile(`^@[\w_]+`)

// PostType classifies a single item. meta may be nil; selfHandle may be
// empty or carry a leading "@". Checks run in order, first match wins.
func PostType(item model.RiskItem, meta *model.TweetMeta, selfHandle string) model.PostType {
	if item.PostType != "" {
		return item.PostType
	}

	text := item.Text
	isRT := item.IsRetweet
	if meta != nil {
		if meta.Text != "" {
			text = meta.Text
		}
		isRT = meta.IsRetweet
	}
	text = strings.TrimSpace(text)

	if isRT {
		if selfRetweetRegex(selfHandle).MatchString(text) {
			return model.PostQuote
		}
		return model.PostRepost
	}

	if meta != nil && len(meta.ReferencedTweets) > 0 &&
		meta.ReferencedTweets[0].Type == "replied_to" &&
		mentionRegex.MatchString(text) {
		return model.PostReply
	}

	return model.PostOriginal
}

func selfRetweetRegex(handle string) *regexp.Regexp {
	handle = strings.TrimPrefix(strings.TrimSpace(handle), "@")
	if handle == "" {
		handle = FallbackHandle
	}
	return regexp.MustCompile(`(?i)^RT\s+@` + regexp.QuoteMeta(handle) + `\b`)
}
