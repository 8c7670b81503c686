// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package backends

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/awnumar/memguard"
	"github.com/sashabaranov/go-openai"

	"github.com/AleutianAI/VectorForge/services/vectorizer/svg"
)

const openAISystemPrompt = `You are a vector illustration assistant. Given a ` +
	`prompt and a list of existing shapes, respond with ONLY a JSON object of ` +
	`the form {"shapes":[...]}. Each shape is one of:
{"kind":"rect","x":N,"y":N,"w":N,"h":N,"fill":"#rrggbb"}
{"kind":"circle","cx":N,"cy":N,"r":N,"fill":"#rrggbb"}
{"kind":"ellipse","cx":N,"cy":N,"rx":N,"ry":N,"fill":"#rrggbb"}
{"kind":"line","x1":N,"y1":N,"x2":N,"y2":N,"stroke":"#rrggbb"}
{"kind":"polyline","points":[[N,N],...],"stroke":"#rrggbb"}
All coordinates are on a 256x256 canvas. No prose, no markdown fences.`

// OpenAIDetailBackend asks a chat model for additional shapes and
// layers them onto the template. The API key is held in a memguard
// enclave between calls so it never sits in plain heap memory.
type OpenAIDetailBackend struct {
	key   *memguard.Enclave
	model string
}

var _ Backend = (*OpenAIDetailBackend)(nil)

// NewOpenAIDetailBackend reads the API key from OPENAI_API_KEY or the
// container secret at /run/secrets/openai_api_key.
func NewOpenAIDetailBackend() (*OpenAIDetailBackend, error) {
	apiKey := os.Getenv("OPENAI_API_KEY")
	if apiKey == "" {
		secretPath := "/run/secrets/openai_api_key"
		keyBytes, err := os.ReadFile(secretPath)
		if err != nil {
			return nil, fmt.Errorf("OPENAI_API_KEY not set and secret %s not readable", secretPath)
		}
		apiKey = strings.TrimSpace(string(keyBytes))
		slog.Info("Read the OpenAI API key from container secrets")
	}

	model := os.Getenv("VECTORFORGE_OPENAI_MODEL")
	if model == "" {
		model = "gpt-4o-mini"
		slog.Warn("VECTORFORGE_OPENAI_MODEL not set, defaulting to gpt-4o-mini")
	}

	// NewEnclave wipes the source buffer, so hand it a private copy.
	enclave := memguard.NewEnclave([]byte(apiKey))
	return &OpenAIDetailBackend{key: enclave, model: model}, nil
}

func (b *OpenAIDetailBackend) Name() string { return "detail-openai" }

func (b *OpenAIDetailBackend) Run(ctx context.Context, in Input) (*svg.Document, error) {
	if in.Base == nil {
		return nil, fmt.Errorf("detail stage requires a template document")
	}

	keyBuf, err := b.key.Open()
	if err != nil {
		return nil, fmt.Errorf("open api key enclave: %w", err)
	}
	client := openai.NewClient(keyBuf.String())
	keyBuf.Destroy()

	budget := in.Params.MaxPaths - in.Base.ShapeCount()
	if budget <= 0 {
		return in.Base.Clone(), nil
	}

	userPrompt := fmt.Sprintf(
		"Prompt: %s\nStyle: %s\nExisting shapes: %d\nAdd at most %d detail shapes that enrich the composition.",
		in.Prompt, in.Style, in.Base.ShapeCount(), budget)

	resp, err := client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: b.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: openAISystemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: userPrompt},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("openai chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("openai returned no choices")
	}

	shapes, err := parseShapeJSON(resp.Choices[0].Message.Content)
	if err != nil {
		return nil, fmt.Errorf("parse model shapes: %w", err)
	}

	doc := in.Base.Clone()
	for i, s := range shapes {
		if i >= budget {
			break
		}
		doc.Add(s)
	}
	slog.Debug("OpenAI detail merged", "model", b.model, "shapes_added", min(len(shapes), budget))
	return doc, nil
}

// shapeSpec is the wire shape the model is instructed to emit.
type shapeSpec struct {
	Kind   string      `json:"kind"`
	X      float64     `json:"x"`
	Y      float64     `json:"y"`
	W      float64     `json:"w"`
	H      float64     `json:"h"`
	CX     float64     `json:"cx"`
	CY     float64     `json:"cy"`
	R      float64     `json:"r"`
	RX     float64     `json:"rx"`
	RY     float64     `json:"ry"`
	X1     float64     `json:"x1"`
	Y1     float64     `json:"y1"`
	X2     float64     `json:"x2"`
	Y2     float64     `json:"y2"`
	Points [][]float64 `json:"points"`
	Fill   string      `json:"fill"`
	Stroke string      `json:"stroke"`
}

// parseShapeJSON tolerates markdown fences around the JSON body and
// drops malformed or out-of-canvas entries instead of failing the
// whole response.
func parseShapeJSON(content string) ([]svg.Shape, error) {
	content = strings.TrimSpace(content)
	content = strings.TrimPrefix(content, "```json")
	content = strings.TrimPrefix(content, "```")
	content = strings.TrimSuffix(content, "```")
	content = strings.TrimSpace(content)

	var payload struct {
		Shapes []shapeSpec `json:"shapes"`
	}
	if err := json.Unmarshal([]byte(content), &payload); err != nil {
		return nil, err
	}

	shapes := make([]svg.Shape, 0, len(payload.Shapes))
	for _, sp := range payload.Shapes {
		if s, ok := sp.toShape(); ok {
			shapes = append(shapes, s)
		}
	}
	if len(shapes) == 0 {
		return nil, fmt.Errorf("no usable shapes in response")
	}
	return shapes, nil
}

func (sp shapeSpec) toShape() (svg.Shape, bool) {
	inCanvas := func(vals ...float64) bool {
		for _, v := range vals {
			if v < -Canvas || v > 2*Canvas {
				return false
			}
		}
		return true
	}
	switch sp.Kind {
	case "rect":
		if sp.W <= 0 || sp.H <= 0 || !inCanvas(sp.X, sp.Y, sp.X+sp.W, sp.Y+sp.H) {
			return nil, false
		}
		return svg.Rect{X: sp.X, Y: sp.Y, W: sp.W, H: sp.H, Fill: sp.Fill}, true
	case "circle":
		if sp.R <= 0 || !inCanvas(sp.CX, sp.CY) {
			return nil, false
		}
		return svg.Circle{CX: sp.CX, CY: sp.CY, R: sp.R, Fill: sp.Fill}, true
	case "ellipse":
		if sp.RX <= 0 || sp.RY <= 0 || !inCanvas(sp.CX, sp.CY) {
			return nil, false
		}
		return svg.Ellipse{CX: sp.CX, CY: sp.CY, RX: sp.RX, RY: sp.RY, Fill: sp.Fill}, true
	case "line":
		if !inCanvas(sp.X1, sp.Y1, sp.X2, sp.Y2) {
			return nil, false
		}
		return svg.Line{X1: sp.X1, Y1: sp.Y1, X2: sp.X2, Y2: sp.Y2, Stroke: sp.Stroke, StrokeWidth: 1.5}, true
	case "polyline":
		if len(sp.Points) < 2 {
			return nil, false
		}
		pts := make([]svg.Point, 0, len(sp.Points))
		for _, p := range sp.Points {
			if len(p) != 2 || !inCanvas(p[0], p[1]) {
				return nil, false
			}
			pts = append(pts, svg.Point{X: p[0], Y: p[1]})
		}
		return svg.Polyline{Points: pts, Stroke: sp.Stroke, StrokeWidth: 1.5}, true
	}
	return nil, false
}
