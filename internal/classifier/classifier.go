// Package classifier normalizes raw scraped ads and applies the pre-filter
// that picks which candidate gets analyzed.
package classifier

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/go-viper/mapstructure/v2"

	"github.com/JakeFAU/adintel/internal/jobs"
)

// DefaultTrustedVideoPattern matches Facebook's video CDN hosts.
const DefaultTrustedVideoPattern = `^https://video[a-z0-9.\-]*\.fbcdn\.net/`

// ContentType is the media shape of an ad.
type ContentType string

// Content types, in increasing precedence.
const (
	ContentText      ContentType = "text"
	ContentImageText ContentType = "image+text"
	ContentTextVideo ContentType = "text+video"
)

// Ad is the canonical form of one scraped ad.
type Ad struct {
	AdArchiveID string
	PageName    string
	PageID      string
	LikeCount   int
	IsActive    bool
	Images      []string
	Videos      []string
	Texts       []string
	ContentType ContentType
	// UntrustedVideos counts video URLs dropped by the CDN check.
	UntrustedVideos int
}

// Text joins the extracted copy blocks.
func (a Ad) Text() string {
	return strings.Join(a.Texts, "\n\n")
}

// Classification returns the fields persisted on the job.
func (a Ad) Classification() jobs.Classification {
	return jobs.Classification{
		AdArchiveID: a.AdArchiveID,
		ContentType: string(a.ContentType),
		PageName:    a.PageName,
		PageID:      a.PageID,
		IsActive:    a.IsActive,
		LikeCount:   a.LikeCount,
	}
}

// PassesPrefilter reports whether the ad qualifies for analysis.
func PassesPrefilter(ad Ad) bool {
	return ad.LikeCount >= 1 && ad.IsActive
}

// Classifier normalizes raw ads against a trusted video pattern.
type Classifier struct {
	trustedVideo *regexp.Regexp
}

// Config controls the classifier.
type Config struct {
	TrustedVideoPattern string
}

// New compiles the trusted video pattern.
func New(cfg Config) (*Classifier, error) {
	pattern := cfg.TrustedVideoPattern
	if pattern == "" {
		pattern = DefaultTrustedVideoPattern
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("compile trusted video pattern: %w", err)
	}
	return &Classifier{trustedVideo: re}, nil
}

// Selection is the first qualifying candidate of a payload.
type Selection struct {
	Ad    Ad
	Raw   map[string]any
	Index int
}

// SelectFirst walks items in order and returns the first that passes the
// pre-filter. The remaining candidates are ignored.
func (c *Classifier) SelectFirst(items []map[string]any) (Selection, bool) {
	for i, raw := range items {
		ad := c.Normalize(raw)
		if PassesPrefilter(ad) {
			return Selection{Ad: ad, Raw: raw, Index: i}, true
		}
	}
	return Selection{}, false
}

// Normalize maps a raw scraper record onto Ad. Fields with unexpected types
// are treated as absent.
func (c *Classifier) Normalize(raw map[string]any) Ad {
	var r rawAd
	decodeLoose(raw, &r)

	ad := Ad{
		AdArchiveID: firstString(r.AdArchiveID, r.AdArchiveIDSnake, r.ID),
		PageName:    firstString(r.PageName, r.PageNameSnake, r.Snapshot.PageName),
		PageID:      firstString(r.PageID, r.PageIDSnake, r.Snapshot.PageID),
		LikeCount: firstInt(
			r.LikeCount,
			r.Likes,
			r.PageLikeCount,
			r.PageLikeCountSnake,
			r.Snapshot.PageLikeCount,
		),
		IsActive: activeFlag(r),
		Images:   c.images(r),
		Texts:    texts(r),
	}
	ad.Videos, ad.UntrustedVideos = c.videos(r)
	ad.ContentType = contentType(ad)
	return ad
}

func contentType(ad Ad) ContentType {
	switch {
	case len(ad.Videos) > 0:
		return ContentTextVideo
	case len(ad.Images) > 0:
		return ContentImageText
	default:
		return ContentText
	}
}

func activeFlag(r rawAd) bool {
	if r.IsActive != nil {
		return *r.IsActive
	}
	if r.IsActiveSnake != nil {
		return *r.IsActiveSnake
	}
	started := present(r.StartDate) || present(r.StartDateSnake)
	stopped := present(r.EndDate) || present(r.EndDateSnake)
	return started && !stopped
}

func (c *Classifier) images(r rawAd) []string {
	var out []string
	out = append(out, urls(r.Images, "url", "original_image_url", "resized_image_url")...)
	out = append(out, urls(r.ImageURLs)...)
	out = append(out, urls(r.Snapshot.Images, "original_image_url", "resized_image_url", "url")...)
	for _, card := range r.Snapshot.Cards {
		out = append(out, firstString(card.OriginalImageURL, card.ResizedImageURL))
	}
	return dedupe(out)
}

func (c *Classifier) videos(r rawAd) ([]string, int) {
	var candidates []string
	candidates = append(candidates, urls(r.Videos, "url", "video_hd_url", "video_sd_url")...)
	candidates = append(candidates, urls(r.Snapshot.Videos, "video_hd_url", "video_sd_url")...)
	for _, card := range r.Snapshot.Cards {
		candidates = append(candidates, firstString(card.VideoHDURL, card.VideoSDURL))
	}
	var out []string
	untrusted := 0
	for _, u := range dedupe(candidates) {
		if c.trustedVideo.MatchString(u) {
			out = append(out, u)
			continue
		}
		untrusted++
	}
	return out, untrusted
}

func texts(r rawAd) []string {
	blocks := []string{
		bodyText(r.AdText),
		bodyText(r.AdTextSnake),
		bodyText(r.Body),
		bodyText(r.Snapshot.Body),
		r.Title,
		r.Snapshot.Title,
		r.Snapshot.Caption,
		r.Snapshot.LinkDescription,
	}
	for _, card := range r.Snapshot.Cards {
		blocks = append(blocks, bodyText(card.Body), card.Title)
	}
	out := make([]string, 0, len(blocks))
	for _, b := range blocks {
		out = append(out, strings.TrimSpace(b))
	}
	return dedupe(out)
}

// bodyText accepts either a plain string or an object with a "text" key.
func bodyText(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case map[string]any:
		if s, ok := t["text"].(string); ok {
			return s
		}
	}
	return ""
}

// urls flattens a list of strings or objects carrying one of keys.
func urls(list []any, keys ...string) []string {
	out := make([]string, 0, len(list))
	for _, item := range list {
		switch v := item.(type) {
		case string:
			out = append(out, v)
		case map[string]any:
			for _, k := range keys {
				if s, ok := v[k].(string); ok && s != "" {
					out = append(out, s)
					break
				}
			}
		}
	}
	return out
}

func dedupe(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func firstString(vals ...any) string {
	for _, v := range vals {
		switch t := v.(type) {
		case string:
			if t != "" {
				return t
			}
		case float64:
			return strconv.FormatFloat(t, 'f', -1, 64)
		case int:
			return strconv.Itoa(t)
		case int64:
			return strconv.FormatInt(t, 10)
		}
	}
	return ""
}

func firstInt(vals ...*int) int {
	for _, v := range vals {
		if v != nil {
			return *v
		}
	}
	return 0
}

func present(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case string:
		return strings.TrimSpace(t) != ""
	case float64:
		return t != 0
	case int:
		return t != 0
	case int64:
		return t != 0
	case bool:
		return t
	default:
		return true
	}
}

func decodeLoose(raw map[string]any, out *rawAd) {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		Result:           out,
	})
	if err != nil {
		return
	}
	// Partial results are kept; a mistyped field is simply left unset.
	_ = dec.Decode(raw)
}

type rawAd struct {
	ID                 any      `mapstructure:"id"`
	AdArchiveID        any      `mapstructure:"adArchiveID"`
	AdArchiveIDSnake   any      `mapstructure:"ad_archive_id"`
	PageName           string   `mapstructure:"pageName"`
	PageNameSnake      string   `mapstructure:"page_name"`
	PageID             any      `mapstructure:"pageID"`
	PageIDSnake        any      `mapstructure:"page_id"`
	IsActive           *bool    `mapstructure:"isActive"`
	IsActiveSnake      *bool    `mapstructure:"is_active"`
	StartDate          any      `mapstructure:"startDate"`
	StartDateSnake     any      `mapstructure:"start_date"`
	EndDate            any      `mapstructure:"endDate"`
	EndDateSnake       any      `mapstructure:"end_date"`
	LikeCount          *int     `mapstructure:"likeCount"`
	Likes              *int     `mapstructure:"likes"`
	PageLikeCount      *int     `mapstructure:"pageLikeCount"`
	PageLikeCountSnake *int     `mapstructure:"page_like_count"`
	Images             []any    `mapstructure:"images"`
	ImageURLs          []any    `mapstructure:"imageUrls"`
	Videos             []any    `mapstructure:"videos"`
	AdText             any      `mapstructure:"adText"`
	AdTextSnake        any      `mapstructure:"ad_text"`
	Body               any      `mapstructure:"body"`
	Title              string   `mapstructure:"title"`
	Snapshot           snapshot `mapstructure:"snapshot"`
}

type snapshot struct {
	PageName        string `mapstructure:"page_name"`
	PageID          any    `mapstructure:"page_id"`
	PageLikeCount   *int   `mapstructure:"page_like_count"`
	Body            any    `mapstructure:"body"`
	Title           string `mapstructure:"title"`
	Caption         string `mapstructure:"caption"`
	LinkDescription string `mapstructure:"link_description"`
	Images          []any  `mapstructure:"images"`
	Videos          []any  `mapstructure:"videos"`
	Cards           []card `mapstructure:"cards"`
}

type card struct {
	Body             any    `mapstructure:"body"`
	Title            string `mapstructure:"title"`
	OriginalImageURL string `mapstructure:"original_image_url"`
	ResizedImageURL  string `mapstructure:"resized_image_url"`
	VideoHDURL       string `mapstructure:"video_hd_url"`
	VideoSDURL       string `mapstructure:"video_sd_url"`
}
