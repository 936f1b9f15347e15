package normalize

// builtinMappings match the Fields emitted by the built-in connectors,
// keyed by their default source tag.
var builtinMappings = map[string]Mapping{
	"reddit": {
		Title:     "title",
		Text:      []string{"selftext"},
		Author:    "author",
		Time:      "created_utc",
		URL:       "permalink",
		URLPrefix: "https://www.reddit.com",
		Extra: map[string]string{
			"subreddit":    "subreddit",
			"score":        "score",
			"num_comments": "num_comments",
			"link":         "url",
		},
	},
	"feed": {
		Title:  "title",
		Text:   []string{"content", "summary"},
		Author: "author",
		Time:   "date",
		URL:    "link",
		Extra:  map[string]string{"feed_title": "feed_title", "updated": "updated"},
	},
	"web": {
		Title: "title",
		Extra: map[string]string{"paragraphs": "paragraphs", "content_hash": "content_hash"},
	},
	"weather": {
		Title: "title",
		Text:  []string{"text"},
		Time:  "time",
		Extra: map[string]string{
			"city":        "city",
			"temperature": "temperature",
			"windspeed":   "windspeed",
			"weathercode": "weathercode",
			"condition":   "condition",
			"rain":        "rain",
		},
	},
	"synthetic": {
		ID:     "id",
		Title:  "title",
		Text:   []string{"report"},
		Author: "reporter",
		Time:   "created_at",
		Extra: map[string]string{
			"line":     "line",
			"station":  "station",
			"category": "category",
			"priority": "priority",
		},
	},
}
