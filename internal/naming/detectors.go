package naming

import (
	"context"
	"fmt"
	"strings"

	"github.com/JakeFAU/codedox/internal/crawler"
)

// MetadataDetector reads site-name meta tags.
type MetadataDetector struct{}

var metadataKeys = []string{"og:site_name", "application-name", "twitter:site"}

// Name implements Detector.
func (MetadataDetector) Name() string { return "metadata" }

// Detect implements Detector.
func (MetadataDetector) Detect(_ context.Context, hint crawler.NameHint) (string, error) {
	for _, key := range metadataKeys {
		value := strings.TrimSpace(hint.Metadata[key])
		if key == "twitter:site" {
			value = strings.TrimPrefix(value, "@")
		}
		if value != "" {
			return value, nil
		}
	}
	return "", nil
}

// ClassifierDetector asks an external short-text classifier.
type ClassifierDetector struct {
	Classifier crawler.NameClassifier
}

// Name implements Detector.
func (ClassifierDetector) Name() string { return "classifier" }

// Detect implements Detector.
func (d ClassifierDetector) Detect(ctx context.Context, hint crawler.NameHint) (string, error) {
	if d.Classifier == nil {
		return "", nil
	}
	name, err := d.Classifier.ClassifyName(ctx, hint)
	if err != nil {
		return "", fmt.Errorf("classify name: %w", err)
	}
	if strings.EqualFold(strings.TrimSpace(name), "unknown") {
		return "", nil
	}
	return name, nil
}

// TitleDetector cleans up the page title.
type TitleDetector struct{}

// Name implements Detector.
func (TitleDetector) Name() string { return "title" }

var (
	titleSeparators = []string{" | ", " - ", " — ", " – ", " :: ", " · ", ": "}
	titleSuffixes   = []string{
		" documentation", " docs", " api reference", " reference",
		" user guide", " guide", " manual", " official site",
	}
	genericParts = map[string]bool{
		"home": true, "index": true, "introduction": true, "intro": true,
		"overview": true, "welcome": true, "getting started": true, "quickstart": true,
		"docs": true, "documentation": true, "api reference": true, "reference": true,
	}
)

// Detect implements Detector.
func (TitleDetector) Detect(_ context.Context, hint crawler.NameHint) (string, error) {
	title := strings.TrimSpace(hint.Title)
	if title == "" {
		return "", nil
	}
	parts := []string{title}
	for _, sep := range titleSeparators {
		var next []string
		for _, p := range parts {
			next = append(next, strings.Split(p, sep)...)
		}
		parts = next
	}

	var candidates []string
	for _, p := range parts {
		p = stripSuffixes(strings.TrimSpace(p))
		if p == "" || genericParts[strings.ToLower(p)] {
			continue
		}
		candidates = append(candidates, p)
	}
	switch len(candidates) {
	case 0:
		return "", nil
	case 1:
		return candidates[0], nil
	}
	// Site names usually trail the page name; long trailing parts are taglines.
	if last := candidates[len(candidates)-1]; len(strings.Fields(last)) <= 3 {
		return last, nil
	}
	return candidates[0], nil
}

func stripSuffixes(s string) string {
	for {
		stripped := false
		for _, suffix := range titleSuffixes {
			if len(s) > len(suffix) && strings.EqualFold(s[len(s)-len(suffix):], suffix) {
				s = strings.TrimSpace(s[:len(s)-len(suffix)])
				stripped = true
				break
			}
		}
		if !stripped {
			return s
		}
	}
}
