package http2

import (
	"bytes"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"

	"golang.org/x/net/http2/hpack"
)

// HpackAdapter wraps one HPACK encoder and one decoder for a connection.
// The encoder is used only with the connection write lock held, the decoder
// only from the reader goroutine.
type HpackAdapter struct {
	encoder   *hpack.Encoder
	decoder   *hpack.Decoder
	encodeBuf bytes.Buffer
}

// NewHpackAdapter creates an adapter whose decoder uses a dynamic table of tableSize bytes.
func NewHpackAdapter(tableSize uint32) *HpackAdapter {
	h := &HpackAdapter{}
	h.encoder = hpack.NewEncoder(&h.encodeBuf)
	h.decoder = hpack.NewDecoder(tableSize, nil)
	return h
}

// SetMaxEncoderDynamicTableSize applies the peer's SETTINGS_HEADER_TABLE_SIZE.
func (h *HpackAdapter) SetMaxEncoderDynamicTableSize(size uint32) {
	h.encoder.SetMaxDynamicTableSizeLimit(size)
}

// Encode encodes fields into a header block. The returned slice is a copy.
func (h *HpackAdapter) Encode(fields []hpack.HeaderField) ([]byte, error) {
	h.encodeBuf.Reset()
	for _, hf := range fields {
		if hf.Name == "" {
			return nil, fmt.Errorf("hpack: invalid header field name: name is empty (value: %q)", hf.Value)
		}
		if err := h.encoder.WriteField(hf); err != nil {
			return nil, fmt.Errorf("hpack: write field %q: %w", hf.Name, err)
		}
	}
	return append([]byte(nil), h.encodeBuf.Bytes()...), nil
}

// Decode decodes a complete header block (HEADERS plus any CONTINUATION fragments).
func (h *HpackAdapter) Decode(block []byte) ([]hpack.HeaderField, error) {
	fields, err := h.decoder.DecodeFull(block)
	if err != nil {
		return nil, fmt.Errorf("hpack: decode header block: %w", err)
	}
	return fields, nil
}

// Request is the decoded request header block of a stream.
type Request struct {
	Method    string
	Scheme    string
	Authority string
	Path      string
	// Protocol is the :protocol pseudo-header of an extended CONNECT request.
	Protocol string
	Header   http.Header
}

// IsExtendedConnect reports whether r is a CONNECT carrying a :protocol pseudo-header.
func (r *Request) IsExtendedConnect() bool {
	return r.Method == http.MethodConnect && r.Protocol != ""
}

// Response is the decoded response header block of a stream.
type Response struct {
	Status int
	Header http.Header
}

func (r *Request) headerFields() []hpack.HeaderField {
	fields := []hpack.HeaderField{{Name: ":method", Value: r.Method}}
	if r.Protocol != "" {
		fields = append(fields, hpack.HeaderField{Name: ":protocol", Value: r.Protocol})
	}
	if r.Scheme != "" {
		fields = append(fields, hpack.HeaderField{Name: ":scheme", Value: r.Scheme})
	}
	if r.Authority != "" {
		fields = append(fields, hpack.HeaderField{Name: ":authority", Value: r.Authority})
	}
	if r.Path != "" {
		fields = append(fields, hpack.HeaderField{Name: ":path", Value: r.Path})
	}
	return appendRegularFields(fields, r.Header)
}

func responseHeaderFields(status int, header http.Header) []hpack.HeaderField {
	fields := []hpack.HeaderField{{Name: ":status", Value: strconv.Itoa(status)}}
	return appendRegularFields(fields, header)
}

// hopHeaders are connection-specific and must not appear in HTTP/2 (RFC 7540 section 8.1.2.2).
var hopHeaders = map[string]bool{
	"connection":        true,
	"keep-alive":        true,
	"proxy-connection":  true,
	"transfer-encoding": true,
	"upgrade":           true,
}

func appendRegularFields(fields []hpack.HeaderField, header http.Header) []hpack.HeaderField {
	keys := make([]string, 0, len(header))
	for k := range header {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		name := strings.ToLower(k)
		if hopHeaders[name] {
			continue
		}
		for _, v := range header[k] {
			fields = append(fields, hpack.HeaderField{Name: name, Value: v})
		}
	}
	return fields
}

// parseRequest builds a Request from a decoded header block. Malformed blocks
// (unknown or repeated pseudo-headers, pseudo-headers after regular fields,
// uppercase names, missing :method) are reported as errors.
func parseRequest(fields []hpack.HeaderField) (*Request, error) {
	req := &Request{Header: make(http.Header)}
	seen := make(map[string]bool)
	regular := false
	for _, f := range fields {
		if f.Name != strings.ToLower(f.Name) {
			return nil, fmt.Errorf("uppercase header field name %q", f.Name)
		}
		if !strings.HasPrefix(f.Name, ":") {
			regular = true
			if hopHeaders[f.Name] {
				return nil, fmt.Errorf("connection-specific header field %q", f.Name)
			}
			req.Header.Add(f.Name, f.Value)
			continue
		}
		if regular {
			return nil, fmt.Errorf("pseudo-header %q after regular header fields", f.Name)
		}
		if seen[f.Name] {
			return nil, fmt.Errorf("duplicate pseudo-header %q", f.Name)
		}
		seen[f.Name] = true
		switch f.Name {
		case ":method":
			req.Method = f.Value
		case ":scheme":
			req.Scheme = f.Value
		case ":authority":
			req.Authority = f.Value
		case ":path":
			req.Path = f.Value
		case ":protocol":
			req.Protocol = f.Value
		default:
			return nil, fmt.Errorf("unknown pseudo-header %q", f.Name)
		}
	}
	if req.Method == "" {
		return nil, fmt.Errorf("missing :method pseudo-header")
	}
	if req.Protocol != "" && req.Method != http.MethodConnect {
		return nil, fmt.Errorf(":protocol pseudo-header on %s request", req.Method)
	}
	return req, nil
}

func parseResponse(fields []hpack.HeaderField) (*Response, error) {
	resp := &Response{Header: make(http.Header)}
	for _, f := range fields {
		if f.Name == ":status" {
			code, err := strconv.Atoi(f.Value)
			if err != nil || code < 100 || code > 999 {
				return nil, fmt.Errorf("invalid :status %q", f.Value)
			}
			resp.Status = code
			continue
		}
		if strings.HasPrefix(f.Name, ":") {
			return nil, fmt.Errorf("unexpected pseudo-header %q in response", f.Name)
		}
		resp.Header.Add(f.Name, f.Value)
	}
	if resp.Status == 0 {
		return nil, fmt.Errorf("missing :status pseudo-header")
	}
	return resp, nil
}
