package webhook

import (
	"bytes"
	"encoding/json"
	"fmt"
	"mime"
	"net/http"
	"net/url"
	"strings"

	paymentdomain "github.com/smallbiznis/payrelay/internal/payment/domain"
)

// Request is the transport independent view of an inbound notification.
// Truncated marks a body the transport cut at its size limit.
type Request struct {
	Method     string
	Headers    http.Header
	Query      url.Values
	Body       []byte
	RemoteAddr string
	Truncated  bool
}

// Params holds the flattened notification fields.
type Params map[string]string

// Get returns the value for key and whether it was present.
func (p Params) Get(key string) (string, bool) {
	v, ok := p[key]
	return v, ok
}

type payloadKind int

const (
	payloadForm payloadKind = iota
	payloadJSON
)

type payload struct {
	kind   payloadKind
	values Params
}

var controlCharStripper = strings.NewReplacer("\t", "", "\r", "", "\n", "")

// Normalize turns a raw request into a flat parameter map. JSON bodies are
// decoded after stripping tabs and line breaks; everything else is read as
// query values overlaid with urlencoded form fields.
func Normalize(req Request) (Params, error) {
	p, err := decode(req)
	if err != nil {
		return nil, err
	}
	return p.values, nil
}

func decode(req Request) (payload, error) {
	if req.Truncated {
		return payload{}, fmt.Errorf("%w: body exceeds size limit", paymentdomain.ErrMalformedPayload)
	}
	if isJSON(req.Headers.Get("Content-Type")) {
		values, err := decodeJSON(req.Body)
		if err != nil {
			return payload{}, err
		}
		return payload{kind: payloadJSON, values: values}, nil
	}
	values, err := decodeForm(req)
	if err != nil {
		return payload{}, err
	}
	return payload{kind: payloadForm, values: values}, nil
}

func isJSON(contentType string) bool {
	if contentType == "" {
		return false
	}
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	return mediaType == "application/json"
}

func decodeJSON(body []byte) (Params, error) {
	cleaned := controlCharStripper.Replace(string(body))

	var raw map[string]json.RawMessage
	dec := json.NewDecoder(strings.NewReader(cleaned))
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil {
		return nil, paymentdomain.ErrMalformedPayload
	}
	if raw == nil {
		return nil, paymentdomain.ErrMalformedPayload
	}

	params := make(Params, len(raw))
	for key, value := range raw {
		text, ok := scalarText(value)
		if !ok {
			continue
		}
		params[key] = text
	}
	return params, nil
}

// scalarText renders strings as their value and numbers or booleans as their
// JSON text. Objects, arrays and null are not scalars.
func scalarText(value json.RawMessage) (string, bool) {
	trimmed := bytes.TrimSpace(value)
	if len(trimmed) == 0 {
		return "", false
	}
	switch trimmed[0] {
	case '{', '[':
		return "", false
	case '"':
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return "", false
		}
		return s, true
	}
	if string(trimmed) == "null" {
		return "", false
	}
	return string(trimmed), true
}

func decodeForm(req Request) (Params, error) {
	params := make(Params)
	for key, values := range req.Query {
		if len(values) > 0 {
			params[key] = values[0]
		}
	}

	mediaType := ""
	if ct := req.Headers.Get("Content-Type"); ct != "" {
		if parsed, _, err := mime.ParseMediaType(ct); err == nil {
			mediaType = parsed
		}
	}
	if mediaType != "application/x-www-form-urlencoded" || len(req.Body) == 0 {
		return params, nil
	}

	form, err := url.ParseQuery(string(req.Body))
	if err != nil {
		return nil, paymentdomain.ErrMalformedPayload
	}
	for key, values := range form {
		if len(values) > 0 {
			params[key] = values[0]
		}
	}
	return params, nil
}
