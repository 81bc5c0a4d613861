package collyfetcher

import (
	"errors"
	"fmt"
	"strings"

	"github.com/JohannesKaufmann/html-to-markdown/v2/converter"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/base"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/commonmark"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/table"
)

var errEmptyContent = errors.New("page has no content")

type markdownConverter struct {
	conv *converter.Converter
}

func newMarkdownConverter() *markdownConverter {
	return &markdownConverter{conv: converter.NewConverter(
		converter.WithPlugins(
			base.NewBasePlugin(),
			commonmark.NewCommonmarkPlugin(),
			table.NewTablePlugin(),
		),
	)}
}

// Convert renders an HTML fragment as markdown.
func (m *markdownConverter) Convert(html string) (string, error) {
	if strings.TrimSpace(html) == "" {
		return "", errEmptyContent
	}
	out, err := m.conv.ConvertString(html)
	if err != nil {
		return "", fmt.Errorf("html to markdown: %w", err)
	}
	return strings.TrimSpace(out), nil
}
