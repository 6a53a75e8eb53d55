package feed

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Wire shapes for the UserTweets GraphQL document. Only the fields this
// system reads are declared; everything else in the (very nested)
// response is ignored by the decoder.

type timelineResponse struct {
	Data struct {
		User struct {
			Result struct {
				TimelineV2 struct {
					Timeline struct {
						Instructions []timelineInstruction `json:"instructions"`
					} `json:"timeline"`
				} `json:"timeline_v2"`
			} `json:"result"`
		} `json:"user"`
	} `json:"data"`
}

type timelineInstruction struct {
	Type    string          `json:"type"` // TimelineAddEntries, TimelinePinEntry, ...
	Entries []timelineEntry `json:"entries"`
	Entry   *timelineEntry  `json:"entry"` // pinned entry
}

type timelineEntry struct {
	EntryID string `json:"entryId"`
	Content struct {
		ItemContent struct {
			TweetResults struct {
				Result tweetResult `json:"result"`
			} `json:"tweet_results"`
		} `json:"itemContent"`
	} `json:"content"`
}

type tweetResult struct {
	RestID string `json:"rest_id"`
	Core   struct {
		UserResults struct {
			Result struct {
				Legacy struct {
					ScreenName string `json:"screen_name"`
				} `json:"legacy"`
			} `json:"result"`
		} `json:"user_results"`
	} `json:"core"`
	Legacy tweetLegacy `json:"legacy"`
}

type tweetLegacy struct {
	CreatedAt string `json:"created_at"`
	FullText  string `json:"full_text"`
	Entities  struct {
		Hashtags []struct {
			Text string `json:"text"`
		} `json:"hashtags"`
	} `json:"entities"`
	ExtendedEntities struct {
		Media []tweetMedia `json:"media"`
	} `json:"extended_entities"`
}

type tweetMedia struct {
	Type          string     `json:"type"` // photo, video, animated_gif
	MediaURLHTTPS string     `json:"media_url_https"`
	VideoInfo     *videoInfo `json:"video_info"`
}

type videoInfo struct {
	DurationMillis int            `json:"duration_millis"`
	Variants       []videoVariant `json:"variants"`
}

type videoVariant struct {
	Bitrate     int    `json:"bitrate"`
	ContentType string `json:"content_type"`
	URL         string `json:"url"`
}

// createdAtLayout is the legacy tweet timestamp format.
const createdAtLayout = "Mon Jan 02 15:04:05 -0700 2006"

// parseTimeline flattens the instruction list into entries: every
// TimelineAddEntries batch plus the optional pinned entry.
func parseTimeline(body []byte) ([]timelineEntry, error) {
	var res timelineResponse
	if err := json.Unmarshal(body, &res); err != nil {
		return nil, fmt.Errorf("feed: decode timeline: %w", err)
	}
	var entries []timelineEntry
	for _, ins := range res.Data.User.Result.TimelineV2.Timeline.Instructions {
		entries = append(entries, ins.Entries...)
		if ins.Entry != nil {
			entries = append(entries, *ins.Entry)
		}
	}
	return entries, nil
}

// itemFromEntry converts one timeline entry to a normalized Item.
// Non-post entries (modules, cursors, ...) return (nil, nil).
func itemFromEntry(e timelineEntry) (*Item, error) {
	if !strings.Contains(e.EntryID, "tweet-") {
		return nil, nil
	}
	res := e.Content.ItemContent.TweetResults.Result
	if res.RestID == "" {
		return nil, nil
	}
	createdAt, err := time.Parse(createdAtLayout, res.Legacy.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("feed: entry %s: parse created_at %q: %w", e.EntryID, res.Legacy.CreatedAt, err)
	}

	tags := make([]string, 0, len(res.Legacy.Entities.Hashtags))
	for _, h := range res.Legacy.Entities.Hashtags {
		if h.Text != "" {
			tags = append(tags, h.Text)
		}
	}

	return &Item{
		ID:        res.RestID,
		Author:    res.Core.UserResults.Result.Legacy.ScreenName,
		Text:      res.Legacy.FullText,
		Tags:      tags,
		CreatedAt: createdAt,
		Media:     resolveMedia(res.Legacy.ExtendedEntities.Media),
	}, nil
}

// resolveMedia picks the best deliverable URL per medium: the largest
// photo rendition, or the highest-bitrate video variant. Animated gifs
// are delivered as videos.
func resolveMedia(media []tweetMedia) []*MediaRef {
	if len(media) == 0 {
		return nil
	}
	refs := make([]*MediaRef, 0, len(media))
	for _, m := range media {
		switch m.Type {
		case "photo":
			refs = append(refs, &MediaRef{
				Type: MediaPhoto,
				URL:  largestPhotoURL(m.MediaURLHTTPS),
			})
		case "video", "animated_gif":
			url, _ := bestVariant(m.VideoInfo)
			if url == "" {
				continue
			}
			ref := &MediaRef{
				Type:     MediaVideo,
				URL:      url,
				ThumbURL: m.MediaURLHTTPS, // poster frame
			}
			if m.VideoInfo != nil {
				ref.Duration = m.VideoInfo.DurationMillis / 1000
			}
			refs = append(refs, ref)
		}
	}
	if len(refs) == 0 {
		return nil
	}
	return refs
}

// largestPhotoURL rewrites a photo URL to the 4096x4096 rendition.
func largestPhotoURL(u string) string {
	if i := strings.LastIndex(u, "."); i > strings.LastIndex(u, "/") {
		ext := u[i+1:]
		return u[:i] + "?format=" + ext + "&name=4096x4096"
	}
	return u
}

// bestVariant returns the highest-bitrate variant URL.
func bestVariant(vi *videoInfo) (url string, bitrate int) {
	if vi == nil {
		return "", 0
	}
	bitrate = -1
	for _, v := range vi.Variants {
		if v.URL == "" {
			continue
		}
		if v.Bitrate > bitrate {
			url = v.URL
			bitrate = v.Bitrate
		}
	}
	return url, bitrate
}
