// Package naming derives a short display name for a documentation site from
// whatever a crawled page offers. Detectors run in order and the first
// non-empty answer wins.
package naming

import (
	"context"
	"regexp"
	"strings"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/JakeFAU/codedox/internal/crawler"
)

// MaxLength caps detected names.
const MaxLength = 50

// Detector proposes a name or returns "" when it has no opinion.
type Detector interface {
	Name() string
	Detect(ctx context.Context, hint crawler.NameHint) (string, error)
}

// Chain runs detectors in order.
type Chain struct {
	detectors []Detector
	logger    *zap.Logger
}

// NewChain builds a chain. Nil detectors are skipped.
func NewChain(logger *zap.Logger, detectors ...Detector) *Chain {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Chain{logger: logger}
	for _, d := range detectors {
		if d != nil {
			c.detectors = append(c.detectors, d)
		}
	}
	return c
}

// Default is metadata, then the classifier when one is configured, then the
// page title.
func Default(classifier crawler.NameClassifier, logger *zap.Logger) *Chain {
	detectors := []Detector{MetadataDetector{}}
	if classifier != nil {
		detectors = append(detectors, ClassifierDetector{Classifier: classifier})
	}
	detectors = append(detectors, TitleDetector{})
	return NewChain(logger, detectors...)
}

// Detect returns the first usable name. Detector errors are logged and the
// next detector is tried.
func (c *Chain) Detect(ctx context.Context, hint crawler.NameHint) string {
	for _, d := range c.detectors {
		name, err := d.Detect(ctx, hint)
		if err != nil {
			c.logger.Warn("name detector failed",
				zap.String("detector", d.Name()),
				zap.String("url", hint.URL),
				zap.Error(err),
			)
			continue
		}
		if name = Clean(name); name != "" {
			c.logger.Debug("detected site name",
				zap.String("detector", d.Name()),
				zap.String("name", name),
			)
			return name
		}
	}
	return ""
}

// IsPlaceholder reports whether name is one the system filled in rather than
// one a user chose.
func IsPlaceholder(name, domain string, startURLs []string) bool {
	name = strings.TrimSpace(name)
	if name == "" || strings.EqualFold(name, domain) {
		return true
	}
	return len(startURLs) > 0 && name == startURLs[0]
}

var trailingVersion = regexp.MustCompile(`\s+v?\d+(\.\d+)*$`)

// Clean trims quotes and whitespace, drops a trailing version number and
// truncates to MaxLength runes.
func Clean(name string) string {
	name = strings.TrimSpace(name)
	if i := strings.IndexAny(name, "\r\n"); i >= 0 {
		name = name[:i]
	}
	name = strings.Trim(name, "\"'`*. ")
	name = strings.TrimSpace(trailingVersion.ReplaceAllString(name, ""))
	if utf8.RuneCountInString(name) > MaxLength {
		name = strings.TrimSpace(string([]rune(name)[:MaxLength]))
	}
	return name
}
