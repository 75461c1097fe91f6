package manifest

import (
	"fmt"
	"strings"
	"testing"

	assert_ "github.com/stretchr/testify/assert"
	require_ "github.com/stretchr/testify/require"

	"github.com/alanbriolat/media-fetch/internal/model"
)

func TestParse_Simple(t *testing.T) {
	assert := assert_.New(t)
	require := require_.New(t)

	segments, err := Parse("#EXTINF:4,\nseg0.ts\n#EXTINF:4,\nseg1.ts", "http://h/dir/x.m3u8")
	require.NoError(err)
	assert.Equal([]model.SegmentDescriptor{
		{Index: 0, URL: "http://h/dir/seg0.ts", Duration: 4},
		{Index: 1, URL: "http://h/dir/seg1.ts", Duration: 4},
	}, segments)
}

func TestParse_FullPlaylist(t *testing.T) {
	assert := assert_.New(t)
	require := require_.New(t)

	text := strings.Join([]string{
		"#EXTM3U",
		"#EXT-X-VERSION:3",
		"#EXT-X-TARGETDURATION:10",
		"#EXT-X-KEY:METHOD=NONE",
		"",
		"#EXTINF:9.009,first part",
		"media/a.ts",
		"b.ts", // no directive: duration 0
		"#EXTINF:3.5,",
		"https://cdn.other/c.ts?sig=1",
		"#EXTINF:2,\r",
		"/root/d.ts",
		"#EXT-X-ENDLIST",
	}, "\n")
	segments, err := Parse(text, "https://h/live/stream/index.m3u8?token=x")
	require.NoError(err)
	require.Len(segments, 4)
	assert.Equal("https://h/live/stream/media/a.ts", segments[0].URL)
	assert.Equal(9.009, segments[0].Duration)
	assert.Equal("https://h/live/stream/b.ts", segments[1].URL)
	assert.Equal(0.0, segments[1].Duration)
	assert.Equal("https://cdn.other/c.ts?sig=1", segments[2].URL)
	assert.Equal(3.5, segments[2].Duration)
	assert.Equal("https://h/root/d.ts", segments[3].URL)
	for i, s := range segments {
		assert.Equal(i, s.Index)
	}
}

func TestParse_IndicesFollowLineOrder(t *testing.T) {
	assert := assert_.New(t)

	var b strings.Builder
	for i := 0; i < 50; i++ {
		if i%3 == 0 {
			fmt.Fprintf(&b, "#EXTINF:%d,\n", i)
		}
		fmt.Fprintf(&b, "part-%03d.ts\n", i)
	}
	segments, err := Parse(b.String(), "http://h/x.m3u8")
	assert.NoError(err)
	assert.Len(segments, 50)
	for i, s := range segments {
		assert.Equal(i, s.Index)
		assert.Equal(fmt.Sprintf("http://h/part-%03d.ts", i), s.URL)
		if i%3 == 0 {
			assert.Equal(float64(i), s.Duration)
		} else {
			assert.Equal(0.0, s.Duration)
		}
	}
}

func TestParse_NoSegments(t *testing.T) {
	assert := assert_.New(t)

	for _, text := range []string{"", "#EXTM3U\n#EXT-X-ENDLIST\n", "\n\n  \n"} {
		_, err := Parse(text, "http://h/x.m3u8")
		assert.ErrorIs(err, ErrNoSegmentsFound)
	}
}

func TestParse_Unsupported(t *testing.T) {
	assert := assert_.New(t)

	var unsupported *UnsupportedStreamError
	_, err := Parse("#EXTM3U\n#EXT-X-KEY:METHOD=AES-128,URI=\"https://k/key,1\"\n#EXTINF:4,\nseg0.ts\n", "http://h/x.m3u8")
	if assert.ErrorAs(err, &unsupported) {
		assert.Equal(2, unsupported.Line)
		assert.Contains(unsupported.Reason, "AES-128")
	}

	_, err = Parse("#EXTINF:4,\nseg0.ts\n#EXT-X-KEY:URI=\"k\",METHOD=SAMPLE-AES\nseg1.ts\n", "http://h/x.m3u8")
	assert.ErrorAs(err, &unsupported)

	_, err = Parse("#EXTM3U\n#EXT-X-STREAM-INF:BANDWIDTH=1280000\nlow/index.m3u8\n", "http://h/x.m3u8")
	assert.ErrorAs(err, &unsupported)
}

func TestParse_InvalidBase(t *testing.T) {
	var invalid *InvalidBaseError
	_, err := Parse("seg0.ts", "http://h/%zz")
	assert_.ErrorAs(t, err, &invalid)
}

func TestIsManifestURL(t *testing.T) {
	assert := assert_.New(t)

	assert.True(IsManifestURL("http://h/live/index.m3u8"))
	assert.True(IsManifestURL("http://h/live/INDEX.M3U8?token=1"))
	assert.True(IsManifestURL("http://h/list.m3u"))
	assert.False(IsManifestURL("http://h/video.mp4"))
	assert.False(IsManifestURL("http://h/m3u8"))
}
