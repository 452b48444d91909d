package ocr

import (
	"context"
	"encoding/base64"
	"fmt"

	"google.golang.org/api/option"
	vision "google.golang.org/api/vision/v1"
)

const maxTextResults = 50

// VisionEngine calls the Google Cloud Vision TEXT_DETECTION feature.
type VisionEngine struct {
	svc *vision.Service
}

// NewVisionEngine creates an engine authenticated with an API key.
// endpoint overrides the service URL; it is empty in production.
func NewVisionEngine(ctx context.Context, apiKey, endpoint string) (*VisionEngine, error) {
	var opts []option.ClientOption
	if apiKey != "" {
		opts = append(opts, option.WithAPIKey(apiKey))
	}
	if endpoint != "" {
		opts = append(opts, option.WithEndpoint(endpoint))
	}
	svc, err := vision.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create vision service: %w", err)
	}
	return &VisionEngine{svc: svc}, nil
}

// Annotate sends one image and returns the full text plus word-level tokens.
func (e *VisionEngine) Annotate(ctx context.Context, image []byte) (*Annotation, error) {
	req := &vision.BatchAnnotateImagesRequest{
		Requests: []*vision.AnnotateImageRequest{{
			Image: &vision.Image{Content: base64.StdEncoding.EncodeToString(image)},
			Features: []*vision.Feature{{
				Type:       "TEXT_DETECTION",
				MaxResults: maxTextResults,
			}},
		}},
	}

	resp, err := e.svc.Images.Annotate(req).Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("vision annotate: %w", err)
	}
	if len(resp.Responses) == 0 || resp.Responses[0] == nil {
		return &Annotation{}, nil
	}
	r := resp.Responses[0]
	if r.Error != nil {
		return nil, fmt.Errorf("vision annotate: %s (code %d)", r.Error.Message, r.Error.Code)
	}
	return annotationFromEntities(r.TextAnnotations), nil
}

// annotationFromEntities converts TEXT_DETECTION output. The first entity
// holds the full text; the rest are individual words.
func annotationFromEntities(ents []*vision.EntityAnnotation) *Annotation {
	if len(ents) == 0 {
		return &Annotation{}
	}
	ann := &Annotation{Text: ents[0].Description}
	for _, e := range ents[1:] {
		tok := Token{Text: e.Description}
		if e.Confidence > 0 {
			c := e.Confidence
			tok.Confidence = &c
		}
		ann.Tokens = append(ann.Tokens, tok)
	}
	return ann
}
