package gemini

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"viralflow/internal/config"
	"viralflow/internal/remote"
	"viralflow/internal/types"
)

const defaultBaseURL = "https://generativelanguage.googleapis.com/v1beta"

// ErrEmptyResponse signals the model returned no text at all. Fatal, not
// retried as a parse issue.
var ErrEmptyResponse = errors.New("model returned empty response")

// ErrNoImageReturned signals an enhancement response with no image payload.
var ErrNoImageReturned = errors.New("no image data returned in the response")

// Client calls the Gemini generateContent API for whole-video analysis
// and single-frame enhancement. Both operations run through exponential
// backoff on rate-limit and server-class failures.
type Client struct {
	cfg     *config.Config
	apiKey  string
	baseURL string

	analyzeHTTP  *http.Client
	enhanceHTTP  *http.Client
	analyzeRetry *remote.Retrier
	enhanceRetry *remote.Retrier
}

// New creates a Client using the GEMINI_API_KEY environment credential.
func New(cfg *config.Config) *Client {
	return &Client{
		cfg:          cfg,
		apiKey:       os.Getenv("GEMINI_API_KEY"),
		baseURL:      defaultBaseURL,
		analyzeHTTP:  &http.Client{Timeout: time.Duration(cfg.Analysis.TimeoutSec) * time.Second},
		enhanceHTTP:  &http.Client{Timeout: time.Duration(cfg.Enhance.TimeoutSec) * time.Second},
		analyzeRetry: remote.NewRetrier(cfg.Analysis.MaxRetries),
		enhanceRetry: remote.NewRetrier(cfg.Enhance.MaxRetries),
	}
}

// --- wire structs ---

type genRequest struct {
	Contents         []genContent `json:"contents"`
	Tools            []genTool    `json:"tools,omitempty"`
	GenerationConfig *genConfig   `json:"generationConfig,omitempty"`
}

type genContent struct {
	Parts []genPart `json:"parts"`
}

type genPart struct {
	Text       string      `json:"text,omitempty"`
	InlineData *inlineData `json:"inlineData,omitempty"`
}

type inlineData struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

type genTool struct {
	GoogleSearch *struct{} `json:"googleSearch,omitempty"`
}

type genConfig struct {
	ResponseMimeType string         `json:"responseMimeType,omitempty"`
	ResponseSchema   map[string]any `json:"responseSchema,omitempty"`
	ImageConfig      *imageConfig   `json:"imageConfig,omitempty"`
}

type imageConfig struct {
	AspectRatio string `json:"aspectRatio"`
}

type genResponse struct {
	Candidates []struct {
		Content struct {
			Parts []genPart `json:"parts"`
		} `json:"content"`
		GroundingMetadata *struct {
			GroundingChunks []struct {
				Web *struct {
					URI   string `json:"uri"`
					Title string `json:"title"`
				} `json:"web"`
			} `json:"groundingChunks"`
		} `json:"groundingMetadata"`
	} `json:"candidates"`
}

type apiErrorBody struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error"`
}

// AnalyzeVideo sends the full video payload for virality analysis and
// returns a fully populated VideoAnalysis, never a partial one.
// trendContext, when non-empty, is live trend data injected into the
// prompt alongside the model's own search grounding.
func (c *Client) AnalyzeVideo(ctx context.Context, video []byte, mimeType, vibe, trendContext string) (*types.VideoAnalysis, error) {
	prompt := c.buildAnalysisPrompt(vibe, trendContext)

	req := genRequest{
		Contents: []genContent{{
			Parts: []genPart{
				{InlineData: &inlineData{MimeType: mimeType, Data: base64.StdEncoding.EncodeToString(video)}},
				{Text: prompt},
			},
		}},
		Tools: []genTool{{GoogleSearch: &struct{}{}}},
		GenerationConfig: &genConfig{
			ResponseMimeType: "application/json",
			ResponseSchema:   analysisSchema(),
		},
	}

	var result *types.VideoAnalysis
	err := c.analyzeRetry.Do(ctx, func() error {
		resp, err := c.generateContent(ctx, c.analyzeHTTP, c.cfg.Analysis.Model, &req)
		if err != nil {
			return err
		}

		text := cleanJSON(firstText(resp))
		if text == "" {
			return ErrEmptyResponse
		}

		var analysis types.VideoAnalysis
		if err := json.Unmarshal([]byte(text), &analysis); err != nil {
			return fmt.Errorf("parse analysis JSON: %w", err)
		}

		analysis.Sources = extractSources(resp)
		result = &analysis
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// EnhanceFrame turns one captured frame into a composed 16:9 thumbnail
// with the given overlay text and style. frame accepts raw base64 or a
// data-URI-wrapped form. The result is a self-contained PNG data URI.
func (c *Client) EnhanceFrame(ctx context.Context, frame, prompt, text, fontStyle, emotion, vibe string) (string, error) {
	fullPrompt := c.buildEnhancePrompt(prompt, text, fontStyle, emotion, vibe)

	req := genRequest{
		Contents: []genContent{{
			Parts: []genPart{
				{InlineData: &inlineData{MimeType: "image/png", Data: stripDataURI(frame)}},
				{Text: fullPrompt},
			},
		}},
		GenerationConfig: &genConfig{
			ImageConfig: &imageConfig{AspectRatio: c.cfg.Enhance.AspectRatio},
		},
	}

	var result string
	err := c.enhanceRetry.Do(ctx, func() error {
		resp, err := c.generateContent(ctx, c.enhanceHTTP, c.cfg.Enhance.Model, &req)
		if err != nil {
			return err
		}

		for _, cand := range resp.Candidates {
			for _, part := range cand.Content.Parts {
				if part.InlineData != nil && part.InlineData.Data != "" {
					result = "data:image/png;base64," + part.InlineData.Data
					return nil
				}
			}
		}
		return ErrNoImageReturned
	})
	if err != nil {
		return "", err
	}
	return result, nil
}

// generateContent posts one request and decodes the response, tagging
// HTTP failures with their retry class.
func (c *Client) generateContent(ctx context.Context, httpClient *http.Client, model string, body *genRequest) (*genResponse, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/models/%s:generateContent", c.baseURL, model)
	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-goog-api-key", c.apiKey)

	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("gemini request: %w", err)
	}
	defer resp.Body.Close()

	respBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode != http.StatusOK {
		var errBody apiErrorBody
		msg := strings.TrimSpace(string(respBytes))
		if json.Unmarshal(respBytes, &errBody) == nil && errBody.Error.Message != "" {
			msg = errBody.Error.Message
		}
		return nil, &remote.APIError{
			Class:      remote.ClassifyStatus(resp.StatusCode),
			StatusCode: resp.StatusCode,
			Message:    msg,
		}
	}

	var genResp genResponse
	if err := json.Unmarshal(respBytes, &genResp); err != nil {
		return nil, fmt.Errorf("parse gemini response: %w", err)
	}
	return &genResp, nil
}

func (c *Client) buildAnalysisPrompt(vibe, trendContext string) string {
	var sb strings.Builder
	sb.WriteString("Analyze this video for virality.\n\n")

	if vibe != "" {
		sb.WriteString(fmt.Sprintf("USER CREATIVE VIBE: %q\n", vibe))
		sb.WriteString("When generating titles, hooks, and thumbnail styles, lean HEAVILY into this vibe.\n\n")
	} else {
		sb.WriteString("Standard high-virality optimization.\n\n")
	}

	sb.WriteString("Use Google Search to cross-reference current web trends and viral patterns.\n")
	if trendContext != "" {
		sb.WriteString("CURRENT TREND SIGNALS (live, weigh alongside search results):\n")
		sb.WriteString(trendContext)
		sb.WriteString("\n")
	}

	sb.WriteString("\nCRITICAL: You MUST return a valid, compact JSON object.\n")
	sb.WriteString("Ensure all strings are properly escaped. Do not include any trailing commas.\n\n")
	sb.WriteString("Provide a JSON response with:\n")
	sb.WriteString("- 'summary': High-level summary (max 200 words).\n")
	sb.WriteString("- 'targetAudience': Who is watching this? (short string)\n")
	sb.WriteString("- 'viralityHook': A scroll-stopping hook (one sentence).\n")
	sb.WriteString(fmt.Sprintf("- 'primaryTrendingTitle': SEO-crushing title (max %d chars).\n", c.cfg.Analysis.TitleMaxChars))
	sb.WriteString("- 'optimizedDescription': Description with timestamps and tags (concise).\n")
	sb.WriteString("- 'trendingContext': Why this matters right now on the web (max 100 words).\n")
	sb.WriteString(fmt.Sprintf("- 'keyMoments': Array of exactly %d high-impact moments.\n", c.cfg.Analysis.KeyMomentCount))
	sb.WriteString(fmt.Sprintf("- 'suggestedTags': List of %d trending tags.\n", c.cfg.Analysis.TagCount))
	sb.WriteString(fmt.Sprintf("- 'thumbnailMoments': Array of exactly %d high-potential moments for thumbnails.\n", c.cfg.Analysis.ThumbMomentCount))
	return sb.String()
}

func (c *Client) buildEnhancePrompt(prompt, text, fontStyle, emotion, vibe string) string {
	var sb strings.Builder
	if vibe != "" {
		sb.WriteString(fmt.Sprintf("CREATIVE DIRECTION: %q\n", vibe))
		sb.WriteString("Transform this raw frame into a professional, high-impact thumbnail that embodies this mood.\n")
		sb.WriteString("- Adjust color grading.\n")
		sb.WriteString("- Enhance subject lighting.\n")
		sb.WriteString("- Add professional depth of field.\n")
		sb.WriteString(fmt.Sprintf("- Place the text %q with the style %q.\n", text, fontStyle))
	} else {
		sb.WriteString("Create a professional high-impact YouTube thumbnail.\n")
		sb.WriteString(fmt.Sprintf("Place the text %q with the style %q.\n", text, fontStyle))
	}
	sb.WriteString(fmt.Sprintf("EMOTIONAL CORE: %s\n", emotion))
	sb.WriteString(fmt.Sprintf("TECHNICAL NOTES: %s\n\n", prompt))
	sb.WriteString("The result should look like a human graphic designer carefully composed it for maximum CTR.")
	return sb.String()
}

// analysisSchema constrains the model response to the VideoAnalysis shape.
func analysisSchema() map[string]any {
	str := map[string]any{"type": "STRING"}
	num := map[string]any{"type": "NUMBER"}

	keyMoment := map[string]any{
		"type": "OBJECT",
		"properties": map[string]any{
			"timestamp":   str,
			"description": str,
			"viralScore":  num,
		},
		"required": []string{"timestamp", "description", "viralScore"},
	}

	thumbnailMoment := map[string]any{
		"type": "OBJECT",
		"properties": map[string]any{
			"seconds":       num,
			"timestamp":     str,
			"emotion":       str,
			"prompt":        str,
			"suggestedText": str,
			"fontStyle":     str,
			"linkedTitle":   str,
		},
		"required": []string{"seconds", "timestamp", "emotion", "prompt", "suggestedText", "fontStyle", "linkedTitle"},
	}

	return map[string]any{
		"type": "OBJECT",
		"properties": map[string]any{
			"summary":              str,
			"targetAudience":       str,
			"viralityHook":         str,
			"primaryTrendingTitle": str,
			"optimizedDescription": str,
			"trendingContext":      str,
			"keyMoments":           map[string]any{"type": "ARRAY", "items": keyMoment},
			"suggestedTags":        map[string]any{"type": "ARRAY", "items": str},
			"thumbnailMoments":     map[string]any{"type": "ARRAY", "items": thumbnailMoment},
		},
		"required": []string{
			"summary", "targetAudience", "viralityHook", "primaryTrendingTitle",
			"optimizedDescription", "trendingContext", "keyMoments", "suggestedTags",
			"thumbnailMoments",
		},
	}
}

// firstText concatenates the text parts of the first candidate.
func firstText(resp *genResponse) string {
	if len(resp.Candidates) == 0 {
		return ""
	}
	var sb strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		sb.WriteString(part.Text)
	}
	return sb.String()
}

// extractSources pulls grounding references from response metadata,
// defaulting absent titles to a generic label.
func extractSources(resp *genResponse) []types.GroundingSource {
	if len(resp.Candidates) == 0 || resp.Candidates[0].GroundingMetadata == nil {
		return nil
	}
	var sources []types.GroundingSource
	for _, chunk := range resp.Candidates[0].GroundingMetadata.GroundingChunks {
		if chunk.Web == nil {
			continue
		}
		title := chunk.Web.Title
		if title == "" {
			title = "Source"
		}
		sources = append(sources, types.GroundingSource{Title: title, URI: chunk.Web.URI})
	}
	return sources
}

// cleanJSON strips markdown fences if the model wraps its response in ```json ... ```
func cleanJSON(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}

// stripDataURI drops any data-URI prefix, leaving the raw base64 payload.
func stripDataURI(s string) string {
	if idx := strings.Index(s, ","); idx >= 0 && strings.HasPrefix(s, "data:") {
		return s[idx+1:]
	}
	return s
}
