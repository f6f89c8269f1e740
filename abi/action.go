package abi

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/gowebpki/jcs"
)

type encodedAction struct {
	action string
	args   []Arg

	mu     sync.RWMutex
	values []string
}

func newEncodedAction(action string, args []Arg, values []string) *encodedAction {
	return &encodedAction{action: action, args: args, values: values}
}

func (a *encodedAction) Action() string { return a.action }

func (a *encodedAction) Args() []string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return append([]string(nil), a.values...)
}

func (a *encodedAction) Chunks() ([][]byte, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	chunks := make([][]byte, len(a.values))
	for i, v := range a.values {
		b, err := decodeString(a.args[i].encoding(), v)
		if err != nil {
			return nil, fmt.Errorf("arg %q: %w", a.args[i].Name, err)
		}
		chunks[i] = b
	}
	return chunks, nil
}

// ContentHash is the hex SHA-256 of the canonical JSON array of the args that
// precede the signing block.
func (a *encodedAction) ContentHash() (string, error) {
	a.mu.RLock()
	signed := a.values[:a.signingStart()]
	b, err := json.Marshal(signed)
	a.mu.RUnlock()
	if err != nil {
		return "", err
	}

	canonical, err := jcs.Transform(b)
	if err != nil {
		return "", fmt.Errorf("canonicalize args: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

func (a *encodedAction) signingStart() int {
	for i, arg := range a.args {
		if arg.ReplaceValue == TokenAddress || arg.ReplaceValue == TokenSignature {
			return i
		}
	}
	return len(a.args)
}

func (a *encodedAction) Replace(token, value string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	for i, arg := range a.args {
		if arg.ReplaceValue != token {
			continue
		}
		if _, err := decodeString(arg.encoding(), value); err != nil {
			return fmt.Errorf("replace %s in arg %q: %w", token, arg.Name, err)
		}
		a.values[i] = value
	}
	return nil
}
