package transcript

import (
	"bytes"
	"fmt"
	"html/template"
	"strings"
	"sync"
	"time"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/parser"
	"github.com/yuin/goldmark/renderer/html"

	"forkchat/internal/appinfo"
)

var markdown = goldmark.New(
	goldmark.WithExtensions(extension.GFM, extension.Linkify),
	goldmark.WithParserOptions(parser.WithAutoHeadingID()),
	goldmark.WithRendererOptions(html.WithHardWraps(), html.WithXHTML()),
)

var markdownMu sync.Mutex

var page = template.Must(template.New("transcript").Parse(`<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>{{.Title}}</title>
<style>
body { font-family: -apple-system, "Segoe UI", sans-serif; max-width: 860px; margin: 2em auto; padding: 0 1em; line-height: 1.5; color: #222; }
pre, code { background: #f5f5f5; border-radius: 4px; }
pre { padding: .8em; overflow-x: auto; }
blockquote { border-left: 3px solid #ccc; margin-left: 0; padding-left: 1em; color: #555; }
h2 { border-bottom: 1px solid #eee; padding-bottom: .2em; }
footer { margin-top: 3em; color: #888; font-size: .85em; }
</style>
</head>
<body>
{{.Body}}
<footer>{{.Footer}}</footer>
</body>
</html>
`))

type pageData struct {
	Title  string
	Body   template.HTML
	Footer string
}

// HTML renders Markdown(src, threadID) as a standalone page.
func HTML(src Source, threadID string) (string, error) {
	md, err := Markdown(src, threadID)
	if err != nil {
		return "", err
	}
	title := threadID
	if t, ok := src.Thread(threadID); ok {
		title = oneLine(t.Title)
	}
	return renderPage(title, md, time.Now())
}

func renderPage(title, md string, now time.Time) (string, error) {
	var content bytes.Buffer
	markdownMu.Lock()
	err := markdown.Convert([]byte(md), &content)
	markdownMu.Unlock()
	if err != nil {
		content.Reset()
		content.WriteString("<pre>")
		content.WriteString(template.HTMLEscapeString(md))
		content.WriteString("</pre>")
	}

	data := pageData{
		Title:  strings.TrimSpace(title),
		Body:   template.HTML(content.String()),
		Footer: fmt.Sprintf("%s • %s", appinfo.Display(), now.UTC().Format(time.RFC3339)),
	}
	var out bytes.Buffer
	if err := page.Execute(&out, data); err != nil {
		return "", err
	}
	return out.String(), nil
}
