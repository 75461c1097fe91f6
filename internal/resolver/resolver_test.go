package resolver

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"testing"

	"github.com/kkdai/youtube/v2"
	assert_ "github.com/stretchr/testify/assert"
	require_ "github.com/stretchr/testify/require"

	"github.com/alanbriolat/media-fetch/internal/transfer"
)

// fakeClient answers Resolve and Fetch from maps and records what it was asked.
type fakeClient struct {
	redirects map[string]string
	pages     map[string]string
	resolved  []string
	fetched   []string
}

func (c *fakeClient) Start(ctx context.Context, req transfer.Request) (transfer.Transfer, error) {
	return nil, errors.New("not supported")
}

func (c *fakeClient) Resolve(ctx context.Context, url string) (string, error) {
	c.resolved = append(c.resolved, url)
	if to, ok := c.redirects[url]; ok {
		return to, nil
	}
	return "", transfer.ErrNotFound
}

func (c *fakeClient) Fetch(ctx context.Context, url string) ([]byte, error) {
	c.fetched = append(c.fetched, url)
	if page, ok := c.pages[url]; ok {
		return []byte(page), nil
	}
	return nil, transfer.ErrNotFound
}

const sharePage = `<html><head><script>window._ROUTER_DATA = {"loaderData":{"video_layout":null,
"video_(id)/page":{"videoInfoRes":{"item_list":[{"video":{"play_addr":{"uri":"v0200fg10000abc"}}}]}}}}</script>
</head><body></body></html>`

func TestExtractURL(t *testing.T) {
	assert := assert_.New(t)

	u, ok := ExtractURL("check this out http://x.co/abc more text")
	assert.True(ok)
	assert.Equal("http://x.co/abc", u)

	u, ok = ExtractURL("7.43 复制打开 https://v.douyin.com/iRNBho6u/ 看看")
	assert.True(ok)
	assert.Equal("https://v.douyin.com/iRNBho6u/", u)

	u, ok = ExtractURL("first https://a.example/1 then https://b.example/2")
	assert.True(ok)
	assert.Equal("https://a.example/1", u)

	_, ok = ExtractURL("nothing to see here")
	assert.False(ok)
	_, ok = ExtractURL("ftp://files.example.com/x")
	assert.False(ok)
	_, ok = ExtractURL("https:///no-host")
	assert.False(ok)
}

func TestResolver_Resolve(t *testing.T) {
	assert := assert_.New(t)

	client := &fakeClient{redirects: map[string]string{
		"https://v.douyin.com/abc/": "https://www.iesdouyin.com/share/video/123/?region=GB",
	}}
	r, err := New(client, DefaultConfig())
	require_.NoError(t, err)

	resolved, err := r.Resolve(context.Background(), "https://v.douyin.com/abc/")
	assert.NoError(err)
	assert.Equal("https://www.iesdouyin.com/share/video/123/?region=GB", resolved)

	resolved, err = r.Resolve(context.Background(), "https://cdn.example.com/a.mp4")
	assert.NoError(err)
	assert.Equal("https://cdn.example.com/a.mp4", resolved)
	assert.Len(client.resolved, 1, "only short links hit the network")

	_, err = r.Resolve(context.Background(), "https://V.DOUYIN.COM/missing/")
	assert.ErrorIs(err, transfer.ErrNotFound)
}

func TestResolver_Parse(t *testing.T) {
	assert := assert_.New(t)

	page := "https://www.iesdouyin.com/share/video/123/"
	client := &fakeClient{pages: map[string]string{
		page:                                     sharePage,
		"https://www.douyin.com/video/1":         "<html>no marker</html>",
		"https://www.douyin.com/video/malformed": `<script>window._ROUTER_DATA = {"loaderData": {</script>`,
		"https://www.douyin.com/video/empty":     `<script>window._ROUTER_DATA = {"loaderData":{"x":{"videoInfoRes":{"item_list":[]}}}}</script>`,
	}}
	r, err := New(client, DefaultConfig())
	require_.NoError(t, err)

	playURL, err := r.Parse(context.Background(), page)
	assert.NoError(err)
	assert.Equal("https://www.iesdouyin.com/aweme/v1/play/?video_id=v0200fg10000abc&ratio=1080p&line=0", playURL)

	for _, u := range []string{
		"https://www.douyin.com/video/1",
		"https://www.douyin.com/video/malformed",
		"https://www.douyin.com/video/empty",
	} {
		_, err = r.Parse(context.Background(), u)
		var perr *ParseError
		assert.ErrorAs(err, &perr, u)
	}

	// Unknown hosts pass through untouched
	passthrough, err := r.Parse(context.Background(), "https://cdn.example.com/v/index.m3u8")
	assert.NoError(err)
	assert.Equal("https://cdn.example.com/v/index.m3u8", passthrough)
}

func TestResolver_Lookup(t *testing.T) {
	assert := assert_.New(t)

	client := &fakeClient{
		redirects: map[string]string{"https://v.douyin.com/abc/": "https://www.iesdouyin.com/share/video/123/"},
		pages:     map[string]string{"https://www.iesdouyin.com/share/video/123/": sharePage},
	}
	r, err := New(client, DefaultConfig())
	require_.NoError(t, err)

	playURL, err := r.Lookup(context.Background(), "look https://v.douyin.com/abc/ copy")
	assert.NoError(err)
	assert.Equal("https://www.iesdouyin.com/aweme/v1/play/?video_id=v0200fg10000abc&ratio=1080p&line=0", playURL)

	_, err = r.Lookup(context.Background(), "no link")
	assert.ErrorIs(err, ErrNoURL)

	plain, err := r.Lookup(context.Background(), "https://cdn.example.com/a.mp4")
	assert.NoError(err)
	assert.Equal("https://cdn.example.com/a.mp4", plain)
}

func TestRegistry(t *testing.T) {
	assert := assert_.New(t)
	require := require_.New(t)

	all := func(*url.URL) bool { return true }
	fail := func(msg string) ResolveFunc {
		return func(context.Context, *url.URL) (string, error) { return "", errors.New(msg) }
	}
	ok := func(result string) ResolveFunc {
		return func(context.Context, *url.URL) (string, error) { return result, nil }
	}

	var r Registry
	require.NoError(r.Add(Provider{Name: "b", Match: all, Resolve: ok("from b")}))
	require.NoError(r.Add(Provider{Name: "a", Match: all, Resolve: fail("a broke"), Priority: PriorityHighest}))
	assert.ErrorIs(r.Add(Provider{Name: "a", Match: all, Resolve: ok("")}), ErrDuplicateProvider)
	assert.ErrorIs(r.Add(Provider{Name: "c"}), ErrInvalidProvider)
	assert.Equal([]string{"a", "b"}, r.List())

	u, _ := url.Parse("https://example.com/")
	result, matched, err := r.Resolve(context.Background(), u)
	assert.True(matched)
	assert.NoError(err)
	assert.Equal("from b", result)

	require.NoError(r.SetPriority("b", PriorityLowest))
	assert.ErrorIs(r.SetPriority("z", 0), ErrUnknownProvider)
	require.NoError(r.Add(Provider{Name: "d", Match: all, Resolve: fail("d broke")}))
	r.providerMap["b"].Resolve = fail("b broke")
	_, matched, err = r.Resolve(context.Background(), u)
	assert.True(matched)
	require.Error(err)
	for _, name := range []string{"a", "b", "d"} {
		assert.Contains(err.Error(), fmt.Sprintf("[%s]", name))
	}

	var empty Registry
	_, matched, err = empty.Resolve(context.Background(), u)
	assert.False(matched)
	assert.NoError(err)
}

type fakeYouTube struct {
	video *youtube.Video
}

func (f *fakeYouTube) GetVideoContext(ctx context.Context, id string) (*youtube.Video, error) {
	if f.video == nil || f.video.ID != id {
		return nil, errors.New("video unavailable")
	}
	return f.video, nil
}

func (f *fakeYouTube) GetStreamURLContext(ctx context.Context, video *youtube.Video, format *youtube.Format) (string, error) {
	return fmt.Sprintf("https://rr1.googlevideo.example/videoplayback?id=%s&itag=%d", video.ID, format.ItagNo), nil
}

func TestYouTubeProvider(t *testing.T) {
	assert := assert_.New(t)

	client := &fakeYouTube{video: &youtube.Video{
		ID: "dQw4w9WgXcQ",
		Formats: youtube.FormatList{
			{ItagNo: 137, AudioChannels: 0},
			{ItagNo: 18, AudioChannels: 2},
		},
	}}
	var r Registry
	r.MustAdd(NewYouTubeProvider(client))

	for _, raw := range []string{
		"https://www.youtube.com/watch?v=dQw4w9WgXcQ",
		"https://m.youtube.com/watch?v=dQw4w9WgXcQ&t=10",
		"https://youtu.be/dQw4w9WgXcQ",
		"https://www.youtube.com/shorts/dQw4w9WgXcQ",
	} {
		u, _ := url.Parse(raw)
		result, matched, err := r.Resolve(context.Background(), u)
		assert.True(matched, raw)
		assert.NoError(err, raw)
		assert.Equal("https://rr1.googlevideo.example/videoplayback?id=dQw4w9WgXcQ&itag=18", result, raw)
	}

	for _, raw := range []string{
		"https://www.youtube.com/watch",
		"https://vimeo.com/12345",
	} {
		u, _ := url.Parse(raw)
		_, matched, _ := r.Resolve(context.Background(), u)
		assert.False(matched, raw)
	}

	client.video.Formats = youtube.FormatList{{ItagNo: 137}}
	u, _ := url.Parse("https://youtu.be/dQw4w9WgXcQ")
	_, _, err := r.Resolve(context.Background(), u)
	assert.ErrorIs(err, ErrNoAudioFormat)
}

func TestResolver_Priorities(t *testing.T) {
	assert := assert_.New(t)
	require := require_.New(t)

	r, err := New(&fakeClient{}, DefaultConfig())
	require.NoError(err)
	assert.Equal([]string{"router-data", "youtube"}, r.registry.List())

	config := DefaultConfig()
	config.Priorities = map[string]int16{"youtube": PriorityHighest}
	r, err = New(&fakeClient{}, config)
	require.NoError(err)
	assert.Equal([]string{"youtube", "router-data"}, r.registry.List())

	config.YouTube = false
	_, err = New(&fakeClient{}, config)
	assert.ErrorIs(err, ErrUnknownProvider)
}
