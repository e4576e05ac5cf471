package bridge

import (
	"encoding/json"
	"fmt"
	"html"
	"net/http"
	"sort"
	"strconv"
	"strings"

	"example.com/h2ws/internal/logger"
)

// jsonMarshalFunc allows swapping out json.Marshal for testing.
var jsonMarshalFunc = json.Marshal

// ErrorDetail represents the inner structure of a JSON error response.
type ErrorDetail struct {
	StatusCode int    `json:"status_code"`
	Message    string `json:"message"`
	Detail     string `json:"detail,omitempty"`
}

// ErrorResponseJSON represents the full JSON error response body.
type ErrorResponseJSON struct {
	Error ErrorDetail `json:"error"`
}

var defaultHTMLMessages = map[int]struct {
	Title   string
	Heading string
	Message string
}{
	http.StatusBadRequest: {
		Title:   "400 Bad Request",
		Heading: "Bad Request",
		Message: "The server cannot process the upgrade request.",
	},
	http.StatusNotFound: {
		Title:   "404 Not Found",
		Heading: "Not Found",
		Message: "No WebSocket endpoint is available at this path.",
	},
	http.StatusMethodNotAllowed: {
		Title:   "405 Method Not Allowed",
		Heading: "Method Not Allowed",
		Message: "This resource only accepts WebSocket upgrades.",
	},
	http.StatusUpgradeRequired: {
		Title:   "426 Upgrade Required",
		Heading: "Upgrade Required",
		Message: "This resource only accepts WebSocket upgrades.",
	},
	http.StatusInternalServerError: {
		Title:   "500 Internal Server Error",
		Heading: "Internal Server Error",
		Message: "The server encountered an internal error and was unable to complete your request.",
	},
}

// PrefersJSON checks if the client prefers application/json based on the Accept header.
// Offers are ranked by q-value, then specificity, then their order in the header.
func PrefersJSON(acceptHeaderValue string) bool {
	if acceptHeaderValue == "" {
		return false
	}

	type offer struct {
		mediaType string
		q         float64
		specific  bool
		order     int
	}
	var offers []offer

	for i, part := range strings.Split(acceptHeaderValue, ",") {
		part = strings.TrimSpace(part)
		mediaType := part
		q := 1.0

		if idx := strings.Index(part, ";"); idx != -1 {
			mediaType = strings.TrimSpace(part[:idx])
			for _, param := range strings.Split(part[idx+1:], ";") {
				param = strings.TrimSpace(param)
				if !strings.HasPrefix(param, "q=") {
					continue
				}
				if v, err := strconv.ParseFloat(param[2:], 64); err == nil && v >= 0 && v <= 1 {
					q = v
				} else {
					q = 0
				}
				break
			}
		}

		// RFC 7231 section 5.3.2: a q of 0 means "not acceptable".
		if q > 0 {
			offers = append(offers, offer{
				mediaType: strings.ToLower(mediaType),
				q:         q,
				specific:  !strings.HasSuffix(mediaType, "/*") && mediaType != "*/*",
				order:     i,
			})
		}
	}
	if len(offers) == 0 {
		return false
	}

	sort.Slice(offers, func(i, j int) bool {
		if offers[i].q != offers[j].q {
			return offers[i].q > offers[j].q
		}
		if offers[i].specific != offers[j].specific {
			return offers[i].specific
		}
		return offers[i].order < offers[j].order
	})
	return offers[0].mediaType == "application/json"
}

// RenderError builds the body of an error response, JSON or HTML depending on accept.
func RenderError(statusCode int, accept, detail string, log *logger.Logger) (contentType string, body []byte) {
	statusText := http.StatusText(statusCode)
	if statusText == "" {
		statusText = "Error"
	}

	if PrefersJSON(accept) {
		b, err := jsonMarshalFunc(ErrorResponseJSON{Error: ErrorDetail{
			StatusCode: statusCode,
			Message:    statusText,
			Detail:     detail,
		}})
		if err == nil {
			return "application/json; charset=utf-8", b
		}
		log.Error("Failed to marshal JSON error response, falling back to HTML.", logger.LogFields{"error": err.Error(), "status_code": statusCode})
	}

	title := fmt.Sprintf("%d %s", statusCode, statusText)
	heading := statusText
	message := "The server encountered an error processing your request."
	known, ok := defaultHTMLMessages[statusCode]
	if ok {
		title, heading, message = known.Title, known.Heading, known.Message
	}
	if detail != "" {
		if ok {
			message += " " + html.EscapeString(detail)
		} else {
			message = html.EscapeString(detail)
		}
	}
	return "text/html; charset=utf-8", htmlBody(title, heading, message)
}

func htmlBody(title, heading, message string) []byte {
	return []byte(fmt.Sprintf(`<html><head><title>%s</title></head><body><h1>%s</h1><p>%s</p></body></html>`,
		html.EscapeString(title), html.EscapeString(heading), message))
}

func errorHeader(contentType string, body []byte) http.Header {
	h := make(http.Header)
	h.Set("Content-Type", contentType)
	h.Set("Content-Length", strconv.Itoa(len(body)))
	h.Set("Cache-Control", "no-cache, no-store, must-revalidate")
	return h
}

// responseStream is the part of an HTTP/2 stream an error response is written to.
type responseStream interface {
	Respond(status int, header http.Header, endStream bool) error
	WriteData(p []byte, endStream bool) error
}

// WriteStreamError answers an HTTP/2 stream with an error response and ends it.
func WriteStreamError(st responseStream, statusCode int, accept, detail string, extra http.Header, log *logger.Logger) error {
	contentType, body := RenderError(statusCode, accept, detail, log)
	h := errorHeader(contentType, body)
	for k, v := range extra {
		h[k] = v
	}
	if err := st.Respond(statusCode, h, len(body) == 0); err != nil {
		return fmt.Errorf("failed to send error response headers (status %d): %w", statusCode, err)
	}
	if len(body) > 0 {
		if err := st.WriteData(body, true); err != nil {
			return fmt.Errorf("failed to send error response body (status %d): %w", statusCode, err)
		}
	}
	return nil
}

// WriteHTTPError answers an HTTP/1.1 request with an error response.
func WriteHTTPError(w http.ResponseWriter, r *http.Request, statusCode int, detail string, log *logger.Logger) {
	contentType, body := RenderError(statusCode, r.Header.Get("Accept"), detail, log)
	for k, v := range errorHeader(contentType, body) {
		w.Header()[k] = v
	}
	w.WriteHeader(statusCode)
	if _, err := w.Write(body); err != nil {
		log.Debug("Failed to write error response body", logger.LogFields{"error": err.Error(), "status_code": statusCode})
	}
}
