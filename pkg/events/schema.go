package events

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed candidate.schema.json
var candidateSchemaJSON string

const candidateSchemaURL = "https://relay.schemas.local/candidate.schema.json"

// ErrMalformed is returned when a candidate does not match the wire schema.
var ErrMalformed = errors.New("malformed event")

var (
	schemaOnce      sync.Once
	candidateSchema *jsonschema.Schema
	schemaErr       error
)

func compiledSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		c := jsonschema.NewCompiler()
		c.Draft = jsonschema.Draft2020
		if err := c.AddResource(candidateSchemaURL, strings.NewReader(candidateSchemaJSON)); err != nil {
			schemaErr = fmt.Errorf("candidate schema load failed: %w", err)
			return
		}
		candidateSchema, schemaErr = c.Compile(candidateSchemaURL)
	})
	return candidateSchema, schemaErr
}

// DecodeCandidate checks raw against the candidate wire schema and decodes it.
// Shape errors wrap ErrMalformed so callers can report them per event.
func DecodeCandidate(raw json.RawMessage) (*Candidate, error) {
	schema, err := compiledSchema()
	if err != nil {
		return nil, err
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if err := schema.Validate(doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	var c Candidate
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return &c, nil
}
