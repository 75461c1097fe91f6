package resolver

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/kkdai/youtube/v2"
)

var ErrNoAudioFormat = errors.New("no format with audio")

type youtubeClient interface {
	GetVideoContext(ctx context.Context, id string) (*youtube.Video, error)
	GetStreamURLContext(ctx context.Context, video *youtube.Video, format *youtube.Format) (string, error)
}

// NewYouTubeProvider resolves watch pages to the stream URL of the first format carrying audio. A nil client uses
// the default youtube.Client.
func NewYouTubeProvider(client youtubeClient) Provider {
	if client == nil {
		client = &youtube.Client{}
	}
	return Provider{
		Name: "youtube",
		Match: func(u *url.URL) bool {
			_, err := extractYouTubeID(u)
			return err == nil
		},
		Resolve: func(ctx context.Context, u *url.URL) (string, error) {
			id, err := extractYouTubeID(u)
			if err != nil {
				return "", err
			}
			video, err := client.GetVideoContext(ctx, id)
			if err != nil {
				return "", fmt.Errorf("failed to get video info: %w", err)
			}
			formats := video.Formats.WithAudioChannels()
			if len(formats) == 0 {
				return "", ErrNoAudioFormat
			}
			streamURL, err := client.GetStreamURLContext(ctx, video, &formats[0])
			if err != nil {
				return "", fmt.Errorf("failed to get stream URL: %w", err)
			}
			return streamURL, nil
		},
		// Hostname matching is exact, but let more specific providers go first
		Priority: PriorityDefault + 10,
	}
}

// Extract video ID from YouTube URL.
//
// Allowed URL formats:
//		http(s?)://(www|m).youtube.com/(watch|details)?v={VIDEO_ID}
//		http(s?)://(www|m).youtube.com/(v|shorts)/{VIDEO_ID}
//		http(s?)://youtu.be/{VIDEO_ID}
func extractYouTubeID(u *url.URL) (string, error) {
	var id string
	switch strings.ToLower(u.Hostname()) {
	case "www.youtube.com", "youtube.com", "m.youtube.com":
		if strings.HasPrefix(u.Path, "/v/") || strings.HasPrefix(u.Path, "/shorts/") {
			id = strings.SplitN(u.Path, "/", 4)[2]
		} else if u.Path == "/watch" || u.Path == "/details" {
			if u.Query().Has("v") {
				id = u.Query().Get("v")
			} else {
				return "", fmt.Errorf("missing ?v= query parameter")
			}
		}
	case "youtu.be":
		id = strings.Trim(u.Path, "/")
	default:
		return "", fmt.Errorf("unrecognised hostname")
	}
	if id == "" {
		return "", fmt.Errorf("could not extract video ID")
	}
	return id, nil
}
