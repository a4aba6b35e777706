package generation

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

const (
	maxPromptLength    = 4000
	defaultVideoLength = 5
	maxVideoLength     = 60
	defaultSceneCount  = 8
	maxSceneCount      = 50
)

var aspectRatioPattern = regexp.MustCompile(`^[1-9][0-9]{0,2}:[1-9][0-9]{0,2}$`)

// ReferenceImagePayload is the payload of a reference_image job
type ReferenceImagePayload struct {
	Prompt         string `json:"prompt"`
	NegativePrompt string `json:"negative_prompt,omitempty"`
	AspectRatio    string `json:"aspect_ratio,omitempty"`
	Regenerate     bool   `json:"regenerate,omitempty"`
}

// VideoPayload is the payload of a video job
type VideoPayload struct {
	Prompt            string `json:"prompt"`
	ReferenceImageURL string `json:"reference_image_url,omitempty"`
	DurationSeconds   int    `json:"duration_seconds,omitempty"`
	AspectRatio       string `json:"aspect_ratio,omitempty"`
	Regenerate        bool   `json:"regenerate,omitempty"`
}

// ShotlistPayload is the payload of a shotlist job
type ShotlistPayload struct {
	Script     string `json:"script"`
	SceneCount int    `json:"scene_count,omitempty"`
	Regenerate bool   `json:"regenerate,omitempty"`
}

func decodePayload(payload json.RawMessage, v any) error {
	if len(payload) == 0 {
		return errors.New("payload is required")
	}
	if err := json.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("malformed payload: %w", err)
	}
	return nil
}

func validatePrompt(field, prompt string) error {
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return fmt.Errorf("%s is required", field)
	}
	if len(prompt) > maxPromptLength {
		return fmt.Errorf("%s exceeds %d characters", field, maxPromptLength)
	}
	return nil
}

func validateAspectRatio(aspect string) error {
	if aspect == "" || aspectRatioPattern.MatchString(aspect) {
		return nil
	}
	return fmt.Errorf("aspect_ratio %q must look like 16:9", aspect)
}

func (p *ReferenceImagePayload) validate() error {
	if err := validatePrompt("prompt", p.Prompt); err != nil {
		return err
	}
	return validateAspectRatio(p.AspectRatio)
}

func (p *VideoPayload) validate() error {
	if err := validatePrompt("prompt", p.Prompt); err != nil {
		return err
	}
	if p.DurationSeconds < 0 || p.DurationSeconds > maxVideoLength {
		return fmt.Errorf("duration_seconds must be between 1 and %d", maxVideoLength)
	}
	if p.ReferenceImageURL != "" && !strings.HasPrefix(p.ReferenceImageURL, "http://") && !strings.HasPrefix(p.ReferenceImageURL, "https://") {
		return errors.New("reference_image_url must be an http(s) URL")
	}
	return validateAspectRatio(p.AspectRatio)
}

func (p *VideoPayload) duration() int {
	if p.DurationSeconds == 0 {
		return defaultVideoLength
	}
	return p.DurationSeconds
}

func (p *ShotlistPayload) validate() error {
	if err := validatePrompt("script", p.Script); err != nil {
		return err
	}
	if p.SceneCount < 0 || p.SceneCount > maxSceneCount {
		return fmt.Errorf("scene_count must be between 1 and %d", maxSceneCount)
	}
	return nil
}

func (p *ShotlistPayload) scenes() int {
	if p.SceneCount == 0 {
		return defaultSceneCount
	}
	return p.SceneCount
}

// fingerprint hashes the fields that determine the generated output. The
// regenerate flag is excluded so a forced run shares its fingerprint with the
// result it replaces.
func fingerprint(jobType string, fields ...any) string {
	hasher := sha256.New()
	hasher.Write([]byte(jobType))
	for _, f := range fields {
		hasher.Write([]byte{'|'})
		if s, ok := f.(string); ok {
			f = strings.Join(strings.Fields(strings.ToLower(s)), " ")
		}
		hasher.Write([]byte(fmt.Sprintf("%v", f)))
	}
	return hex.EncodeToString(hasher.Sum(nil))
}
