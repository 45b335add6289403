// Package analysis fans a classified ad out to the text, image and video
// model backends and merges whatever comes back.
package analysis

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/adintel/internal/classifier"
	"github.com/JakeFAU/adintel/internal/jobs"
	"github.com/JakeFAU/adintel/internal/media"
)

// ReasonUntrustedSource marks a video skipped because every URL failed the
// CDN check.
const ReasonUntrustedSource = "untrusted_source"

// Part is one element of a multimodal prompt: either text or inline bytes.
type Part struct {
	Text     string
	Data     []byte
	MIMEType string
}

// Generator sends a prompt to a model and returns its raw text response.
type Generator interface {
	Generate(ctx context.Context, model string, parts []Part) (string, error)
}

// MediaFetcher downloads creatives under a byte cap.
type MediaFetcher interface {
	FetchWithCap(ctx context.Context, url string, capBytes int64) (media.Media, error)
}

// Config selects models and limits.
type Config struct {
	TextModel   string
	VisionModel string
	VideoModel  string
	MediaCap    int64
	Timeout     time.Duration
}

// Engine runs the three analyses concurrently.
type Engine struct {
	gen     Generator
	fetcher MediaFetcher
	cfg     Config
	logger  *zap.Logger
}

// New constructs an Engine.
func New(gen Generator, fetcher MediaFetcher, cfg Config, logger *zap.Logger) *Engine {
	if cfg.MediaCap <= 0 {
		cfg.MediaCap = media.DefaultCap
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{gen: gen, fetcher: fetcher, cfg: cfg, logger: logger}
}

type textInsights struct {
	Summary            string   `json:"summary"`
	RewrittenCopy      string   `json:"rewrittenCopy"`
	KeyInsights        []string `json:"keyInsights"`
	CompetitorStrategy string   `json:"competitorStrategy"`
	Recommendations    []string `json:"recommendations"`
}

type branch struct {
	outcome jobs.Outcome
	data    map[string]any
	text    *textInsights
}

// Analyze never returns an error: each modality's failure is captured in
// the result's Modalities map so the others still land.
func (e *Engine) Analyze(ctx context.Context, ad classifier.Ad, raw map[string]any) jobs.AnalysisResult {
	var wg sync.WaitGroup
	var text, image, video branch
	runImage, runVideo := len(ad.Images) > 0, len(ad.Videos) > 0
	untrustedVideoSkip := !runVideo && ad.UntrustedVideos > 0

	e.spawn(ctx, &wg, jobs.ModalityText, &text, func(ctx context.Context) branch {
		return e.analyzeText(ctx, raw)
	})
	if runImage {
		e.spawn(ctx, &wg, jobs.ModalityImage, &image, func(ctx context.Context) branch {
			return e.analyzeImage(ctx, ad.Images[0])
		})
	}
	if runVideo {
		e.spawn(ctx, &wg, jobs.ModalityVideo, &video, func(ctx context.Context) branch {
			return e.analyzeVideo(ctx, ad.Videos[0])
		})
	}
	wg.Wait()

	result := jobs.AnalysisResult{Modalities: map[jobs.Modality]jobs.Outcome{
		jobs.ModalityText: text.outcome,
	}}
	if text.text != nil {
		result.Summary = text.text.Summary
		result.RewrittenCopy = text.text.RewrittenCopy
		result.KeyInsights = text.text.KeyInsights
		result.CompetitorStrategy = text.text.CompetitorStrategy
		result.Recommendations = text.text.Recommendations
	}
	if runImage {
		result.Modalities[jobs.ModalityImage] = image.outcome
		result.ImageAnalysis = image.data
	}
	switch {
	case runVideo:
		result.Modalities[jobs.ModalityVideo] = video.outcome
		result.VideoAnalysis = video.data
	case untrustedVideoSkip:
		result.Modalities[jobs.ModalityVideo] = jobs.Outcome{Kind: jobs.OutcomeSkipped, Reason: ReasonUntrustedSource}
		result.VideoAnalysis = skippedResult(ReasonUntrustedSource)
	}
	return result
}

// spawn runs fn in its own goroutine with a timeout, converting panics into
// a failed outcome.
func (e *Engine) spawn(
	ctx context.Context,
	wg *sync.WaitGroup,
	modality jobs.Modality,
	out *branch,
	fn func(context.Context) branch,
) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer func() {
			if r := recover(); r != nil {
				e.logger.Error("analysis panicked", zap.String("modality", string(modality)), zap.Any("panic", r))
				*out = branch{outcome: failed(fmt.Errorf("panic: %v", r))}
			}
		}()
		bctx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
		defer cancel()
		*out = fn(bctx)
		if out.outcome.Kind == jobs.OutcomeFailed {
			e.logger.Warn("analysis modality failed",
				zap.String("modality", string(modality)),
				zap.String("error", out.outcome.Error),
			)
		}
	}()
}

func (e *Engine) analyzeText(ctx context.Context, raw map[string]any) branch {
	adJSON, err := json.Marshal(raw)
	if err != nil {
		return branch{outcome: failed(fmt.Errorf("marshal ad: %w", err))}
	}
	resp, err := e.gen.Generate(ctx, e.cfg.TextModel, []Part{
		{Text: textPrompt},
		{Text: string(adJSON)},
	})
	if err != nil {
		return branch{outcome: failed(err)}
	}
	var insights textInsights
	if err := decodeObject(resp, &insights); err != nil {
		return branch{outcome: failed(fmt.Errorf("decode text analysis: %w", err))}
	}
	if insights.Summary == "" {
		return branch{outcome: failed(errors.New("text analysis returned no summary"))}
	}
	return branch{outcome: succeeded(), text: &insights}
}

func (e *Engine) analyzeImage(ctx context.Context, url string) branch {
	m, err := e.fetcher.FetchWithCap(ctx, url, e.cfg.MediaCap)
	if err != nil {
		return branch{outcome: failed(fmt.Errorf("fetch image: %w", err))}
	}
	if m.Skipped {
		return branch{outcome: jobs.Outcome{Kind: jobs.OutcomeSkipped, Reason: string(m.Reason)}}
	}
	return e.analyzeMedia(ctx, e.cfg.VisionModel, imagePrompt, m)
}

func (e *Engine) analyzeVideo(ctx context.Context, url string) branch {
	m, err := e.fetcher.FetchWithCap(ctx, url, e.cfg.MediaCap)
	if err != nil {
		return branch{outcome: failed(fmt.Errorf("fetch video: %w", err))}
	}
	if m.Skipped {
		return branch{
			outcome: jobs.Outcome{Kind: jobs.OutcomeSkipped, Reason: string(m.Reason)},
			data:    skippedResult(string(m.Reason)),
		}
	}
	return e.analyzeMedia(ctx, e.cfg.VideoModel, videoPrompt, m)
}

// analyzeMedia sends inline bytes with a fixed prompt. An unparseable reply
// is kept as a parseError result instead of being dropped.
func (e *Engine) analyzeMedia(ctx context.Context, model, prompt string, m media.Media) branch {
	resp, err := e.gen.Generate(ctx, model, []Part{
		{Text: prompt},
		{Data: m.Data, MIMEType: m.MIMEType},
	})
	if err != nil {
		return branch{outcome: failed(err)}
	}
	var data map[string]any
	if err := decodeObject(resp, &data); err != nil || data == nil {
		return branch{
			outcome: jobs.Outcome{Kind: jobs.OutcomeFailed, Error: "unparseable model response"},
			data:    parseErrorResult(resp),
		}
	}
	return branch{outcome: succeeded(), data: data}
}

func skippedResult(reason string) map[string]any {
	return map[string]any{"skipped": true, "reason": reason}
}

func succeeded() jobs.Outcome {
	return jobs.Outcome{Kind: jobs.OutcomeSucceeded}
}

func failed(err error) jobs.Outcome {
	return jobs.Outcome{Kind: jobs.OutcomeFailed, Error: err.Error()}
}

// Usable reports whether anything worth persisting came back.
func (e *Engine) Usable(result jobs.AnalysisResult) bool {
	return result.Succeeded()
}
