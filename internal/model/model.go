package model

import (
	"regexp"
	"strings"
)

type RiskLevel string

const (
	RiskHigh RiskLevel = "high"
	RiskMid  RiskLevel = "mid"
	RiskLow  RiskLevel = "low"
	RiskNone RiskLevel = "no"
)

// RiskLevels lists all levels in display order.
var RiskLevels = []RiskLevel{RiskHigh, RiskMid, RiskLow, RiskNone}

func (r RiskLevel) Valid() bool {
	switch r {
	case RiskHigh, RiskMid, RiskLow, RiskNone:
		return true
	}
	return false
}

type PostType string

const (
	PostOriginal PostType = "original"
	PostReply    PostType = "reply"
	PostQuote    PostType = "quote"
	PostRepost   PostType = "repost"
)

// PostTypes lists all post types in display order.
var PostTypes = []PostType{PostOriginal, PostReply, PostQuote, PostRepost}

// RiskItem is one classified post as returned by the analysis backend.
type RiskItem struct {
	TweetID   int64     `json:"tweet_id"`
	Labels    []string  `json:"labels"`
	RiskLevel RiskLevel `json:"risk_level"`
	Rationale string    `json:"rationale"`
	Text      string    `json:"text"`
	PostType  PostType  `json:"post_type,omitempty"`
	IsRetweet bool      `json:"is_retweet,omitempty"`
}

// TweetRef points at another tweet this one references ("replied_to",
// "quoted", "retweeted").
type TweetRef struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

// TweetMeta is the raw tweet record fetched alongside the classification,
// held in an immutable per-session lookup map keyed by stringified tweet id.
type TweetMeta struct {
	ID               string     `json:"id"`
	Text             string     `json:"text"`
	CreatedAt        string     `json:"created_at,omitempty"`
	IsRetweet        bool       `json:"is_retweet,omitempty"`
	ReferencedTweets []TweetRef `json:"referenced_tweets,omitempty"`
	Media            []string   `json:"media,omitempty"`
}

// Profile is the connected account as reported by the auth backend. A
// protected account diverts the flow before analysis starts.
type Profile struct {
	ID             string `json:"id"`
	Username       string `json:"username"`
	Name           string `json:"name"`
	TweetCount     int    `json:"tweet_count"`
	FollowersCount int    `json:"followers_count"`
	Protected      bool   `json:"protected"`
	AvatarURL      string `json:"avatar_url,omitempty"`
}

var (
	rtRegex  = regexp.MustCompile(`(?i)^RT\s+@([^:]+):\s*([\s\S]*)$`)
	urlRegex = regexp.MustCompile(`https://t\.co/\S+`)
)

// ParseRetweetText splits a classic "RT @handle: body" string. Returns empty
// strings when the text is not retweet-shaped.
func ParseRetweetText(text string) (handle, body string) {
	m := rtRegex.FindStringSubmatch(strings.TrimSpace(text))
	if m == nil {
		return "", ""
	}
	return m[1], m[2]
}

// ExtractURLs returns the t.co links embedded in a post body.
func ExtractURLs(text string) []string {
	return urlRegex.FindAllString(text, -1)
}

// StripURLs removes t.co links from a post body for display.
func StripURLs(text string) string {
	return strings.TrimSpace(urlRegex.ReplaceAllString(text, ""))
}

// FormatLabel turns a classifier label like "hate_speech" into "Hate Speech".
func FormatLabel(label string) string {
	label = strings.ToLower(strings.ReplaceAll(label, "_", " "))
	words := strings.Fields(label)
	for i, w := range words {
		words[i] = strings.ToUpper(w[:1]) + w[1:]
	}
	return strings.Join(words, " ")
}

// FixedContentLabels seeds the content-filter sidebar when a result set
// carries no labels of its own.
var FixedContentLabels = []string{
	"Political sensitive",
	"Offensive",
	"Inappropriate",
	"Unprofessional",
	"Sensitive",
	"Hate speech",
	"NSFW",
}
