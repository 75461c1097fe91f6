package resolver

import (
	"context"
	"encoding/json"
	"net/url"
	"regexp"
	"sort"
	"strings"

	"github.com/alanbriolat/media-fetch/generic"
	"github.com/alanbriolat/media-fetch/internal/transfer"
)

var routerDataPattern = regexp.MustCompile(`(?s)window\._ROUTER_DATA\s*=\s*(.*?)</script>`)

// NewRouterDataProvider handles share pages that embed their state as window._ROUTER_DATA, building a direct-play
// URL under playURL from the video identifier found in it.
func NewRouterDataProvider(client transfer.Client, hosts []string, playURL string) Provider {
	hostSet := generic.NewSet(normalizeHosts(hosts)...)
	return Provider{
		Name: "router-data",
		Match: func(u *url.URL) bool {
			return hostSet.Contains(strings.ToLower(u.Hostname()))
		},
		Resolve: func(ctx context.Context, u *url.URL) (string, error) {
			page, err := client.Fetch(ctx, u.String())
			if err != nil {
				return "", err
			}
			id, err := ExtractVideoID(u.String(), page)
			if err != nil {
				return "", err
			}
			return BuildPlayURL(playURL, id), nil
		},
	}
}

// ExtractVideoID finds the play_addr identifier in a page's router data.
func ExtractVideoID(pageURL string, page []byte) (string, error) {
	match := routerDataPattern.FindSubmatch(page)
	if match == nil {
		return "", &ParseError{URL: pageURL, Reason: "router data marker not found"}
	}
	payload := strings.TrimSpace(string(match[1]))
	payload = strings.TrimSuffix(payload, ";")
	var data struct {
		LoaderData map[string]json.RawMessage `json:"loaderData"`
	}
	if err := json.Unmarshal([]byte(payload), &data); err != nil {
		return "", &ParseError{URL: pageURL, Reason: "malformed router data", Err: err}
	}
	// Loader keys are route names that change between page versions, so look under every one
	keys := make([]string, 0, len(data.LoaderData))
	for k := range data.LoaderData {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		var loader struct {
			VideoInfoRes struct {
				ItemList []struct {
					Video struct {
						PlayAddr struct {
							URI string `json:"uri"`
						} `json:"play_addr"`
					} `json:"video"`
				} `json:"item_list"`
			} `json:"videoInfoRes"`
		}
		if err := json.Unmarshal(data.LoaderData[k], &loader); err != nil {
			// Other loaders can have any shape
			continue
		}
		if items := loader.VideoInfoRes.ItemList; len(items) > 0 && items[0].Video.PlayAddr.URI != "" {
			return items[0].Video.PlayAddr.URI, nil
		}
	}
	return "", &ParseError{URL: pageURL, Reason: "no video identifier in router data"}
}

// BuildPlayURL appends the video query to base.
func BuildPlayURL(base string, videoID string) string {
	sep := "?"
	if strings.Contains(base, "?") {
		sep = "&"
	}
	return base + sep + "video_id=" + url.QueryEscape(videoID) + "&ratio=1080p&line=0"
}
