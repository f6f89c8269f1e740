package abi

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"

	"github.com/Masterminds/semver/v3"
	"github.com/bsv-blockchain/go-sdk/script"
	"github.com/bsv-blockchain/go-sdk/transaction"

	"github.com/samooth/twetch-go/types"
)

// Tokens that open the signing block of an action. Arguments from the first
// of these onwards are excluded from the content hash.
const (
	TokenAddress   = "#{myAddress}"
	TokenSignature = "#{mySignature}"
)

var (
	ErrUnknownAction = errors.New("abi: unknown action")
	ErrMissingField  = errors.New("abi: missing required field")
	ErrUnknownField  = errors.New("abi: payload field not in action")
	ErrMissingFile   = errors.New("abi: action requires a file")
	ErrNoDataOutput  = errors.New("abi: transaction has no OP_RETURN output")
	ErrArgCount      = errors.New("abi: argument count mismatch")
)

// Encoder implements types.Encoder and types.SchemaValidator.
type Encoder struct {
	constraint *semver.Constraints

	mu   sync.Mutex
	docs map[[32]byte]*Document
}

var (
	_ types.Encoder         = (*Encoder)(nil)
	_ types.SchemaValidator = (*Encoder)(nil)
)

// Option configures an Encoder.
type Option func(*Encoder) error

// WithVersionConstraint replaces DefaultVersionConstraint.
func WithVersionConstraint(c string) Option {
	return func(e *Encoder) error {
		constraint, err := semver.NewConstraint(c)
		if err != nil {
			return fmt.Errorf("invalid abi version constraint %q: %w", c, err)
		}
		e.constraint = constraint
		return nil
	}
}

// NewEncoder creates an Encoder.
func NewEncoder(opts ...Option) (*Encoder, error) {
	constraint, err := semver.NewConstraint(DefaultVersionConstraint)
	if err != nil {
		return nil, err
	}
	e := &Encoder{
		constraint: constraint,
		docs:       make(map[[32]byte]*Document),
	}
	for _, opt := range opts {
		if err := opt(e); err != nil {
			return nil, err
		}
	}
	return e, nil
}

// ValidateSchema checks that schema carries a usable ABI document.
func (e *Encoder) ValidateSchema(schema *types.ActionSchema) error {
	_, err := e.document(schema)
	return err
}

func (e *Encoder) document(schema *types.ActionSchema) (*Document, error) {
	if schema == nil {
		return nil, fmt.Errorf("abi: schema is nil")
	}
	key := sha256.Sum256(schema.Document)

	e.mu.Lock()
	defer e.mu.Unlock()
	if doc, ok := e.docs[key]; ok {
		return doc, nil
	}
	doc, err := Parse(schema.Document, e.constraint)
	if err != nil {
		return nil, err
	}
	e.docs[key] = doc
	return doc, nil
}

func (e *Encoder) action(schema *types.ActionSchema, action string) (Action, error) {
	doc, err := e.document(schema)
	if err != nil {
		return Action{}, err
	}
	a, ok := doc.Actions[action]
	if !ok {
		return Action{}, fmt.Errorf("%w %q", ErrUnknownAction, action)
	}
	return a, nil
}

// Encode maps payload and file onto the ordered args of action.
func (e *Encoder) Encode(schema *types.ActionSchema, network, action string, payload map[string]any, file *types.File) (types.EncodedAction, error) {
	a, err := e.action(schema, action)
	if err != nil {
		return nil, err
	}

	used := make(map[string]bool, len(payload))
	values := make([]string, len(a.Args))
	for i, arg := range a.Args {
		v, err := resolveArg(arg, network, payload, file, used)
		if err != nil {
			return nil, fmt.Errorf("action %q arg %q: %w", action, arg.Name, err)
		}
		if err := checkEncoding(arg, v); err != nil {
			return nil, fmt.Errorf("action %q arg %q: %w", action, arg.Name, err)
		}
		values[i] = v
	}

	var unknown []string
	for k := range payload {
		if !used[k] {
			unknown = append(unknown, k)
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return nil, fmt.Errorf("%w %q: %v", ErrUnknownField, action, unknown)
	}

	return newEncodedAction(action, a.Args, values), nil
}

func resolveArg(arg Arg, network string, payload map[string]any, file *types.File, used map[string]bool) (string, error) {
	if v, ok := arg.Values[network]; ok {
		return v, nil
	}
	if arg.Value != nil {
		return *arg.Value, nil
	}
	if arg.Source != "" {
		if file == nil {
			if arg.Optional {
				return "", nil
			}
			return "", ErrMissingFile
		}
		switch arg.Source {
		case SourceFile:
			return encodeBytes(arg.encoding(), file.Data), nil
		case SourceFileType:
			return file.ContentType, nil
		case SourceFileName:
			return file.Name, nil
		}
		return "", fmt.Errorf("unknown source %q", arg.Source)
	}
	if arg.ReplaceValue != "" {
		return arg.ReplaceValue, nil
	}

	field := arg.field()
	raw, ok := payload[field]
	if ok {
		used[field] = true
	}
	if raw == nil {
		if arg.Optional {
			return "", nil
		}
		return "", fmt.Errorf("%w %q", ErrMissingField, field)
	}
	return stringify(raw)
}

func stringify(v any) (string, error) {
	switch t := v.(type) {
	case string:
		return t, nil
	case []byte:
		return string(t), nil
	case bool:
		return strconv.FormatBool(t), nil
	case json.Number:
		return t.String(), nil
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), nil
	case int:
		return strconv.Itoa(t), nil
	case int64:
		return strconv.FormatInt(t, 10), nil
	case uint64:
		return strconv.FormatUint(t, 10), nil
	case fmt.Stringer:
		return t.String(), nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("field value is not encodable: %w", err)
	}
	return string(b), nil
}

// Placeholder tokens are allowed in any encoding until they are replaced.
func checkEncoding(arg Arg, v string) error {
	if arg.ReplaceValue != "" && v == arg.ReplaceValue {
		return nil
	}
	_, err := decodeString(arg.encoding(), v)
	return err
}

func encodeBytes(encoding string, b []byte) string {
	switch encoding {
	case EncodingHex:
		return hex.EncodeToString(b)
	case EncodingBase64:
		return base64.StdEncoding.EncodeToString(b)
	default:
		return string(b)
	}
}

func decodeString(encoding, s string) ([]byte, error) {
	switch encoding {
	case EncodingHex:
		b, err := hex.DecodeString(s)
		if err != nil {
			return nil, fmt.Errorf("invalid hex value: %w", err)
		}
		return b, nil
	case EncodingBase64:
		b, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return nil, fmt.Errorf("invalid base64 value: %w", err)
		}
		return b, nil
	default:
		return []byte(s), nil
	}
}

// Decode reads the first OP_FALSE OP_RETURN output of rawTx and maps its
// pushes onto the args of action.
func (e *Encoder) Decode(schema *types.ActionSchema, network, action, rawTx string) (types.EncodedAction, error) {
	a, err := e.action(schema, action)
	if err != nil {
		return nil, err
	}

	tx, err := transaction.NewTransactionFromHex(rawTx)
	if err != nil {
		return nil, fmt.Errorf("abi: parse transaction: %w", err)
	}

	pushes, err := dataPushes(tx)
	if err != nil {
		return nil, err
	}
	if len(pushes) != len(a.Args) {
		return nil, fmt.Errorf("%w: action %q has %d args, transaction carries %d", ErrArgCount, action, len(a.Args), len(pushes))
	}

	values := make([]string, len(a.Args))
	for i, arg := range a.Args {
		values[i] = encodeBytes(arg.encoding(), pushes[i])
	}
	return newEncodedAction(action, a.Args, values), nil
}

func dataPushes(tx *transaction.Transaction) ([][]byte, error) {
	for _, out := range tx.Outputs {
		if out.LockingScript == nil {
			continue
		}
		b := []byte(*out.LockingScript)
		var body []byte
		switch {
		case len(b) >= 2 && b[0] == script.OpFALSE && b[1] == script.OpRETURN:
			body = b[2:]
		case len(b) >= 1 && b[0] == script.OpRETURN:
			body = b[1:]
		default:
			continue
		}

		s := script.Script(body)
		chunks, err := s.Chunks()
		if err != nil {
			return nil, fmt.Errorf("abi: parse data output: %w", err)
		}
		pushes := make([][]byte, len(chunks))
		for i, c := range chunks {
			pushes[i] = c.Data
		}
		return pushes, nil
	}
	return nil, ErrNoDataOutput
}
