// Package abi is the reference Encoder for twetch action schemas. An ABI
// document lists, per action, the ordered arguments written into the
// OP_FALSE OP_RETURN output of the action's transaction.
package abi

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/Masterminds/semver/v3"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Arg encodings.
const (
	EncodingUTF8   = "utf8"
	EncodingHex    = "hex"
	EncodingBase64 = "base64"
)

// Arg sources that read from the attached file.
const (
	SourceFile     = "file"
	SourceFileType = "file_type"
	SourceFileName = "file_name"
)

// DefaultVersionConstraint accepts every 1.x document and the 0.x drafts.
const DefaultVersionConstraint = "< 2.0.0"

const schemaURL = "https://schemas.twetch.app/abi.schema.json"

//go:embed schema.json
var documentSchema []byte

var (
	compileOnce sync.Once
	compiled    *jsonschema.Schema
	compileErr  error
)

// Document is a parsed ABI document.
type Document struct {
	Name    string            `json:"name"`
	Version string            `json:"version"`
	Actions map[string]Action `json:"actions"`
}

// Action is the ordered argument list of one action.
type Action struct {
	Args []Arg `json:"args"`
}

// Arg describes one on-chain argument.
//
// The value of an arg is resolved in this order: Values[network], Value,
// Source (the attached file), ReplaceValue (the placeholder token itself),
// then the payload entry named by Field (or Name when Field is empty).
type Arg struct {
	Name         string            `json:"name"`
	Encoding     string            `json:"encoding,omitempty"`
	Value        *string           `json:"value,omitempty"`
	Values       map[string]string `json:"values,omitempty"`
	Field        string            `json:"field,omitempty"`
	Source       string            `json:"source,omitempty"`
	ReplaceValue string            `json:"replaceValue,omitempty"`
	Optional     bool              `json:"optional,omitempty"`
}

func (a Arg) encoding() string {
	if a.Encoding == "" {
		return EncodingUTF8
	}
	return a.Encoding
}

func (a Arg) field() string {
	if a.Field != "" {
		return a.Field
	}
	return a.Name
}

func documentValidator() (*jsonschema.Schema, error) {
	compileOnce.Do(func() {
		c := jsonschema.NewCompiler()
		c.Draft = jsonschema.Draft2020
		if err := c.AddResource(schemaURL, bytes.NewReader(documentSchema)); err != nil {
			compileErr = fmt.Errorf("abi schema load failed: %w", err)
			return
		}
		compiled, compileErr = c.Compile(schemaURL)
		if compileErr != nil {
			compileErr = fmt.Errorf("abi schema compile failed: %w", compileErr)
		}
	})
	return compiled, compileErr
}

// Parse validates raw against the ABI document schema and the version
// constraint, then decodes it.
func Parse(raw []byte, constraint *semver.Constraints) (*Document, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, fmt.Errorf("abi document is empty")
	}

	validator, err := documentValidator()
	if err != nil {
		return nil, err
	}

	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, fmt.Errorf("abi document is not valid JSON: %w", err)
	}
	if err := validator.Validate(generic); err != nil {
		return nil, fmt.Errorf("abi document rejected: %w", err)
	}

	var doc Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("decode abi document: %w", err)
	}

	v, err := semver.NewVersion(doc.Version)
	if err != nil {
		return nil, fmt.Errorf("abi version %q: %w", doc.Version, err)
	}
	if constraint != nil && !constraint.Check(v) {
		return nil, fmt.Errorf("abi version %s does not satisfy %s", v, constraint)
	}

	for name, action := range doc.Actions {
		for i, arg := range action.Args {
			if arg.Source != "" && arg.ReplaceValue != "" {
				return nil, fmt.Errorf("action %q arg %d (%s): source and replaceValue are exclusive", name, i, arg.Name)
			}
		}
	}
	return &doc, nil
}
