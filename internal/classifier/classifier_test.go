package classifier

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const trustedVideo = "https://video-iad3-1.xx.fbcdn.net/v/t42/clip.mp4"

func newClassifier(t *testing.T) *Classifier {
	t.Helper()
	c, err := New(Config{})
	require.NoError(t, err)
	return c
}

func TestContentTypeDerivation(t *testing.T) {
	t.Parallel()

	c := newClassifier(t)
	tests := []struct {
		name string
		raw  map[string]any
		want ContentType
	}{
		{
			name: "video only",
			raw: map[string]any{
				"snapshot": map[string]any{
					"videos": []any{map[string]any{"video_hd_url": trustedVideo}},
				},
			},
			want: ContentTextVideo,
		},
		{
			name: "images only",
			raw: map[string]any{
				"snapshot": map[string]any{
					"images": []any{map[string]any{"original_image_url": "https://scontent.xx.fbcdn.net/a.jpg"}},
				},
			},
			want: ContentImageText,
		},
		{
			name: "video wins over image",
			raw: map[string]any{
				"images": []any{"https://scontent.xx.fbcdn.net/a.jpg"},
				"videos": []any{trustedVideo},
			},
			want: ContentTextVideo,
		},
		{
			name: "neither",
			raw:  map[string]any{"adText": "Buy now"},
			want: ContentText,
		},
		{
			name: "untrusted video dropped",
			raw:  map[string]any{"videos": []any{"https://evil.example.com/clip.mp4"}},
			want: ContentText,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tt.want, c.Normalize(tt.raw).ContentType)
		})
	}
}

func TestNormalizeExtractsFields(t *testing.T) {
	t.Parallel()

	c := newClassifier(t)
	raw := map[string]any{
		"ad_archive_id": float64(1234567890),
		"page_name":     "Acme Shoes",
		"start_date":    float64(1735689600),
		"likes":         nil,
		"snapshot": map[string]any{
			"page_id":         "998877",
			"page_like_count": "42",
			"body":            map[string]any{"text": "Run faster."},
			"title":           "Spring sale",
			"caption":         "acme.example",
			"images": []any{
				map[string]any{"original_image_url": "https://scontent.xx.fbcdn.net/a.jpg"},
			},
			"cards": []any{
				map[string]any{
					"body":               "Run faster.",
					"original_image_url": "https://scontent.xx.fbcdn.net/b.jpg",
					"video_hd_url":       "http://untrusted.example.com/v.mp4",
				},
			},
		},
	}

	ad := c.Normalize(raw)
	assert.Equal(t, "1234567890", ad.AdArchiveID)
	assert.Equal(t, "Acme Shoes", ad.PageName)
	assert.Equal(t, "998877", ad.PageID)
	assert.Equal(t, 42, ad.LikeCount)
	assert.True(t, ad.IsActive, "start without stop implies active")
	assert.Equal(t, []string{
		"https://scontent.xx.fbcdn.net/a.jpg",
		"https://scontent.xx.fbcdn.net/b.jpg",
	}, ad.Images)
	assert.Empty(t, ad.Videos)
	assert.Equal(t, 1, ad.UntrustedVideos)
	assert.Equal(t, []string{"Run faster.", "Spring sale", "acme.example"}, ad.Texts)
	assert.Equal(t, "Run faster.\n\nSpring sale\n\nacme.example", ad.Text())
	assert.Equal(t, string(ContentImageText), ad.Classification().ContentType)
}

func TestActiveFlag(t *testing.T) {
	t.Parallel()

	c := newClassifier(t)
	tests := []struct {
		name string
		raw  map[string]any
		want bool
	}{
		{"explicit true", map[string]any{"isActive": true}, true},
		{"explicit false beats dates", map[string]any{"is_active": false, "startDate": "2026-01-01"}, false},
		{"start and end", map[string]any{"startDate": "2026-01-01", "endDate": "2026-02-01"}, false},
		{"start only", map[string]any{"startDate": "2026-01-01"}, true},
		{"no dates", map[string]any{}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tt.want, c.Normalize(tt.raw).IsActive)
		})
	}
}

func TestLikeCountPrefersFirstNonNull(t *testing.T) {
	t.Parallel()

	c := newClassifier(t)
	ad := c.Normalize(map[string]any{
		"likeCount":     nil,
		"likes":         float64(0),
		"pageLikeCount": float64(900),
	})
	require.Equal(t, 0, ad.LikeCount, "an explicit zero is not null")

	ad = c.Normalize(map[string]any{"pageLikeCount": float64(900)})
	require.Equal(t, 900, ad.LikeCount)

	ad = c.Normalize(map[string]any{"likes": map[string]any{"weird": true}})
	require.Equal(t, 0, ad.LikeCount)
}

func TestSelectFirstPicksFirstQualifying(t *testing.T) {
	t.Parallel()

	c := newClassifier(t)
	items := []map[string]any{
		{"adArchiveID": "1", "likes": float64(0), "isActive": true},
		{"adArchiveID": "2", "likes": float64(50), "isActive": false},
		{"adArchiveID": "3", "likes": float64(5), "isActive": true},
		{"adArchiveID": "4", "likes": float64(500), "isActive": true},
	}

	sel, ok := c.SelectFirst(items)
	require.True(t, ok)
	require.Equal(t, 2, sel.Index)
	require.Equal(t, "3", sel.Ad.AdArchiveID)
	require.Equal(t, "3", sel.Raw["adArchiveID"])

	_, ok = c.SelectFirst(items[:2])
	require.False(t, ok)
}

func TestNewRejectsBadPattern(t *testing.T) {
	t.Parallel()

	_, err := New(Config{TrustedVideoPattern: "("})
	require.Error(t, err)
}
