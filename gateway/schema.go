package gateway

import (
	"bytes"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"

	"github.com/xeipuuv/gojsonschema"
)

// Body schemas by route.
const (
	schemaRegister   = "register"
	schemaLogin      = "login"
	schemaCreateTask = "create-task"
)

var bodySchemas = map[string]string{
	schemaRegister: `{
		"type": "object",
		"required": ["name", "email", "password"],
		"properties": {
			"name":     {"type": "string", "minLength": 1, "maxLength": 200},
			"email":    {"type": "string", "format": "email", "maxLength": 320},
			"password": {"type": "string", "minLength": 8, "maxLength": 1024}
		}
	}`,
	schemaLogin: `{
		"type": "object",
		"required": ["email", "password"],
		"properties": {
			"email":    {"type": "string", "minLength": 1},
			"password": {"type": "string", "minLength": 1}
		}
	}`,
	schemaCreateTask: `{
		"type": "object",
		"required": ["title"],
		"properties": {
			"title":       {"type": "string", "minLength": 1, "maxLength": 200},
			"description": {"type": "string", "maxLength": 2000}
		}
	}`,
}

func compileSchemas() (map[string]*gojsonschema.Schema, error) {
	out := make(map[string]*gojsonschema.Schema, len(bodySchemas))
	for name, src := range bodySchemas {
		s, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(src))
		if err != nil {
			return nil, fmt.Errorf("schema %s: %w", name, err)
		}
		out[name] = s
	}
	return out, nil
}

// decodeBody reads the request body within the size limit, validates it
// against the named schema and decodes it into dst. URL-encoded forms are
// accepted and validated as a JSON object of strings. On failure it writes
// the error response and returns false.
func (g *Gateway) decodeBody(w http.ResponseWriter, r *http.Request, schema string, dst any) bool {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, g.cfg.MaxRequestSize))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if stderrors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge,
				fmt.Sprintf("request body exceeds maximum size of %d bytes", g.cfg.MaxRequestSize))
			return false
		}
		writeError(w, http.StatusBadRequest, "failed to read request body")
		return false
	}

	if isForm(r) {
		if body, err = formToJSON(body); err != nil {
			writeError(w, http.StatusBadRequest, "malformed form body")
			return false
		}
	}
	if len(bytes.TrimSpace(body)) == 0 {
		body = []byte("{}")
	}

	result, err := g.schemas[schema].Validate(gojsonschema.NewBytesLoader(body))
	if err != nil {
		writeError(w, http.StatusBadRequest, "malformed JSON body")
		return false
	}
	if !result.Valid() {
		details := make([]string, 0, len(result.Errors()))
		for _, desc := range result.Errors() {
			details = append(details, fmt.Sprintf("%s: %s", desc.Field(), desc.Description()))
		}
		writeError(w, http.StatusBadRequest, "invalid request body", details...)
		return false
	}

	if err := json.Unmarshal(body, dst); err != nil {
		writeError(w, http.StatusBadRequest, "malformed JSON body")
		return false
	}
	return true
}

func isForm(r *http.Request) bool {
	mt, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	return err == nil && mt == "application/x-www-form-urlencoded"
}

// formToJSON keeps the first value of each field.
func formToJSON(body []byte) ([]byte, error) {
	values, err := url.ParseQuery(string(body))
	if err != nil {
		return nil, err
	}
	obj := make(map[string]string, len(values))
	for k := range values {
		obj[k] = values.Get(k)
	}
	return json.Marshal(obj)
}
