package protocol

import (
	"bytes"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed schemas/*.json
var schemaFS embed.FS

const schemaBaseURL = "https://simcal.ai/schemas/"

// Client message types that carry a schema.
var schemaFiles = map[string]string{
	TypeHello:         "hello.schema.json",
	TypeSetTargetRate: "set_target_rate.schema.json",
	TypePause:         "control.schema.json",
	TypeResume:        "control.schema.json",
}

var (
	ErrUnknownType    = errors.New("unknown message type")
	ErrInvalidMessage = errors.New("invalid message")
)

var (
	compileOnce sync.Once
	compiled    map[string]*jsonschema.Schema
	compileErr  error
)

func compileSchemas() (map[string]*jsonschema.Schema, error) {
	compileOnce.Do(func() {
		c := jsonschema.NewCompiler()
		out := map[string]*jsonschema.Schema{}
		byFile := map[string]*jsonschema.Schema{}
		for typ, name := range schemaFiles {
			if s, ok := byFile[name]; ok {
				out[typ] = s
				continue
			}
			raw, err := schemaFS.ReadFile("schemas/" + name)
			if err != nil {
				compileErr = err
				return
			}
			url := schemaBaseURL + name
			if err := c.AddResource(url, bytes.NewReader(raw)); err != nil {
				compileErr = fmt.Errorf("schema %s: %w", name, err)
				return
			}
			s, err := c.Compile(url)
			if err != nil {
				compileErr = fmt.Errorf("schema %s: %w", name, err)
				return
			}
			byFile[name] = s
			out[typ] = s
		}
		compiled = out
	})
	return compiled, compileErr
}

// ValidateClient checks an inbound client message against its schema and returns its routing header.
// Errors wrap ErrUnknownType or ErrInvalidMessage.
func ValidateClient(raw []byte) (BaseMessage, error) {
	base, err := DecodeBase(raw)
	if err != nil {
		return base, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	schemas, err := compileSchemas()
	if err != nil {
		return base, err
	}
	s, ok := schemas[base.Type]
	if !ok {
		return base, fmt.Errorf("%w: %q", ErrUnknownType, base.Type)
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return base, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if err := s.Validate(v); err != nil {
		return base, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	return base, nil
}

// CodeFor maps a ValidateClient error to a wire error code.
func CodeFor(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrUnknownType):
		return ErrProtoUnknown
	case errors.Is(err, ErrInvalidMessage):
		return ErrProtoBadRequest
	default:
		return ErrInternal
	}
}
