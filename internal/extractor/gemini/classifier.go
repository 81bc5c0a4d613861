package gemini

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"google.golang.org/genai"

	"github.com/JakeFAU/codedox/internal/crawler"
)

const maxExcerptChars = 2000

// Classifier implements crawler.NameClassifier with a short completion.
type Classifier struct {
	gen     Generator
	limiter Waiter
	model   string
}

// NewClassifier builds a Classifier. limiter may be nil.
func NewClassifier(gen Generator, limiter Waiter, model string) *Classifier {
	if model == "" {
		model = DefaultModel
	}
	return &Classifier{gen: gen, limiter: limiter, model: model}
}

// ClassifyName returns the product or library name the site documents, or
// "unknown".
func (c *Classifier) ClassifyName(ctx context.Context, hint crawler.NameHint) (string, error) {
	if err := wait(ctx, c.limiter, classifyKey); err != nil {
		return "", err
	}
	resp, err := c.gen.GenerateContent(ctx, c.model,
		[]*genai.Content{genai.NewContentFromText(buildNamePrompt(hint), genai.RoleUser)},
		&genai.GenerateContentConfig{
			SystemInstruction: genai.NewContentFromText(
				"Name the library, framework or product this documentation site is about. "+
					"Reply with the name only, at most five words, or the word unknown.",
				genai.RoleUser,
			),
			Temperature:     genai.Ptr[float32](0),
			MaxOutputTokens: 20,
		},
	)
	if err != nil {
		return "", classifyError(err)
	}
	if resp == nil {
		return "", errors.New("gemini returned nil result")
	}
	return strings.TrimSpace(resp.Text()), nil
}

func buildNamePrompt(hint crawler.NameHint) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "URL: %s\n", hint.URL)
	if hint.Title != "" {
		fmt.Fprintf(&sb, "Title: %s\n", hint.Title)
	}
	keys := make([]string, 0, len(hint.Metadata))
	for k := range hint.Metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&sb, "Meta %s: %s\n", k, hint.Metadata[k])
	}
	if hint.Excerpt != "" {
		fmt.Fprintf(&sb, "Excerpt:\n%s\n", truncate(hint.Excerpt, maxExcerptChars))
	}
	return sb.String()
}
