// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package validation provides input validation utilities for security-critical operations.
//
// This package contains validators for user-provided inputs that end up in
// generated SVG documents, cache keys, or subprocess arguments. Using these
// validators prevents injection attacks (markup injection into rendered
// documents, command injection, cache-key path traversal).
package validation

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"
)

// MaxPromptLen bounds accepted prompt length in bytes. Longer prompts
// add no structural information to template synthesis and inflate
// cache keys and backend payloads.
const MaxPromptLen = 2000

// stylePattern matches valid style tokens.
// Allows: lowercase letters, digits, hyphens (e.g. "flat", "line-art").
// Max length: 32 characters.
var stylePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9\-]{0,31}$`)

// requestIDPattern matches request/job identifiers (UUID-shaped or
// short alphanumeric ids used by tests).
var requestIDPattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9\-]{0,63}$`)

// ValidatePrompt validates a generation prompt.
//
// Valid prompts:
//   - 1 to MaxPromptLen bytes
//   - valid UTF-8
//   - no NUL bytes or other C0 control characters except \n and \t
//
// Returns an error if the prompt is invalid.
//
// Example:
//
//	if err := validation.ValidatePrompt(req.Prompt); err != nil {
//	    return nil, fmt.Errorf("invalid prompt: %w", err)
//	}
func ValidatePrompt(prompt string) error {
	if strings.TrimSpace(prompt) == "" {
		return fmt.Errorf("prompt cannot be empty")
	}
	if len(prompt) > MaxPromptLen {
		return fmt.Errorf("prompt exceeds %d bytes (got %d)", MaxPromptLen, len(prompt))
	}
	if !utf8.ValidString(prompt) {
		return fmt.Errorf("prompt is not valid UTF-8")
	}
	for _, r := range prompt {
		if r < 0x20 && r != '\n' && r != '\t' {
			return fmt.Errorf("prompt contains control character %q", r)
		}
	}
	return nil
}

// ValidateStyle validates a style token.
//
// Valid styles:
//   - 1-32 characters
//   - lowercase letters a-z, digits 0-9, hyphens
//
// The empty string is valid (style is optional).
func ValidateStyle(style string) error {
	if style == "" {
		return nil
	}
	if !stylePattern.MatchString(style) {
		return fmt.Errorf("invalid style token: %q (must be 1-32 lowercase alphanumeric chars or hyphens)", style)
	}
	return nil
}

// ValidateRequestID validates a request or job identifier before it is
// used in cache keys or log correlation.
func ValidateRequestID(id string) error {
	if id == "" {
		return fmt.Errorf("request id cannot be empty")
	}
	if !requestIDPattern.MatchString(id) {
		return fmt.Errorf("invalid request id: %q", id)
	}
	return nil
}

// SanitizeStyle normalizes and validates a style token.
// Returns the lowercase token if valid, or an error if invalid.
//
//	safeStyle, err := validation.SanitizeStyle(userInput)
//	if err != nil {
//	    return err
//	}
func SanitizeStyle(style string) (string, error) {
	normalized := strings.ToLower(strings.TrimSpace(style))
	if err := ValidateStyle(normalized); err != nil {
		return "", err
	}
	return normalized, nil
}
