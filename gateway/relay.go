package gateway

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"
	"unicode/utf8"

	"golang.org/x/net/html"
)

const (
	// CacheImmutable is applied to media whose bytes can never change.
	CacheImmutable = "public, max-age=31536000, immutable"

	// CacheShort is applied to documents that browsers revalidate often.
	CacheShort = "public, max-age=300"

	// maxErrorMessage bounds a raw-text upstream error message.
	maxErrorMessage = 512
)

// forwardedResponseHeaders is the allow-list copied from the upstream.
var forwardedResponseHeaders = []string{
	"Content-Type",
	"Content-Length",
	"Content-Range",
	"Accept-Ranges",
	"ETag",
	"Last-Modified",
	"Cache-Control",
	"Expires",
}

// CachePolicy returns the Cache-Control value to send for contentType,
// keeping upstream when the type has no policy of its own.
func CachePolicy(contentType, upstream string) string {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mediaType, _, _ = strings.Cut(contentType, ";")
		mediaType = strings.ToLower(strings.TrimSpace(mediaType))
	}

	switch {
	case strings.HasPrefix(mediaType, "image/"),
		strings.HasPrefix(mediaType, "video/"),
		strings.HasPrefix(mediaType, "audio/"),
		mediaType == "application/pdf":
		return CacheImmutable
	case strings.Contains(mediaType, "html"),
		strings.Contains(mediaType, "javascript"),
		strings.Contains(mediaType, "css"),
		strings.Contains(mediaType, "json"):
		return CacheShort
	default:
		return upstream
	}
}

// Relay writes the chosen upstream response to w and closes its body.
// Successful bodies are streamed without buffering. It returns the number
// of body bytes copied.
func Relay(w http.ResponseWriter, r *http.Request, res *Result) (int64, error) {
	resp := res.Response
	defer func() { _ = resp.Body.Close() }()

	h := w.Header()
	for _, k := range forwardedResponseHeaders {
		for _, v := range resp.Header.Values(k) {
			h.Add(k, v)
		}
	}
	if cc := CachePolicy(resp.Header.Get("Content-Type"), resp.Header.Get("Cache-Control")); cc != "" {
		h.Set("Cache-Control", cc)
	}

	w.WriteHeader(resp.StatusCode)

	if r.Method == http.MethodHead || resp.StatusCode == http.StatusNotModified || resp.StatusCode == http.StatusNoContent {
		return 0, nil
	}

	n, err := io.Copy(w, resp.Body)
	if err != nil {
		return n, fmt.Errorf("streaming upstream body: %w", err)
	}
	return n, nil
}

// upstreamStatusError converts a buffered upstream failure into an error
// that carries the upstream status to the client.
func upstreamStatusError(f *failure) *Error {
	message, details := describeUpstreamBody(f.header.Get("Content-Type"), f.body)
	if message == "" {
		message = http.StatusText(f.status)
	}
	if details == nil {
		details = map[string]any{}
	}
	details["gateway"] = f.candidate.Name

	return &Error{
		Category:       CategoryGatewayError,
		Status:         f.status,
		UpstreamStatus: f.status,
		Message:        message,
		Details:        details,
		Err:            fmt.Errorf("%w: %d", ErrUpstreamStatus, f.status),
	}
}

// describeUpstreamBody extracts a message from an error body: JSON first,
// then an HTML title, then the raw text.
func describeUpstreamBody(contentType string, body []byte) (string, map[string]any) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return "", nil
	}

	var v any
	if err := json.Unmarshal(trimmed, &v); err == nil {
		details := map[string]any{"upstream": v}
		if m, ok := v.(map[string]any); ok {
			for _, k := range []string{"message", "error", "detail"} {
				if s, ok := m[k].(string); ok && s != "" {
					return s, details
				}
			}
		}
		return "", details
	}

	if strings.Contains(strings.ToLower(contentType), "html") || trimmed[0] == '<' {
		if title := htmlTitle(trimmed); title != "" {
			return title, nil
		}
	}

	text := string(trimmed)
	if len(text) > maxErrorMessage {
		n := maxErrorMessage
		for n > 0 && !utf8.RuneStart(text[n]) {
			n--
		}
		text = text[:n]
	}
	return text, nil
}

// htmlTitle returns the text of the first <title> element, or "".
func htmlTitle(body []byte) string {
	doc, err := html.Parse(bytes.NewReader(body))
	if err != nil {
		return ""
	}

	var title string
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if title != "" {
			return
		}
		if n.Type == html.ElementNode && n.Data == "title" {
			if c := n.FirstChild; c != nil && c.Type == html.TextNode {
				title = strings.Join(strings.Fields(c.Data), " ")
			}
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)

	return title
}
