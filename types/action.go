package types

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// ActionSchema is the ABI document fetched from the API. Only Name and
// Version are interpreted here; the full document is handed to the Encoder.
type ActionSchema struct {
	Name     string
	Version  string
	Document json.RawMessage
}

// UnmarshalJSON keeps the raw document alongside the parsed header fields.
func (s *ActionSchema) UnmarshalJSON(data []byte) error {
	var header struct {
		Name    string `json:"name"`
		Version string `json:"version"`
	}
	if err := json.Unmarshal(data, &header); err != nil {
		return err
	}
	s.Name = header.Name
	s.Version = header.Version
	s.Document = append(json.RawMessage(nil), data...)
	return nil
}

// MarshalJSON returns the raw document.
func (s ActionSchema) MarshalJSON() ([]byte, error) {
	if len(s.Document) == 0 {
		return []byte("{}"), nil
	}
	return s.Document, nil
}

// File is an optional attachment embedded into an action.
type File struct {
	Name        string
	ContentType string
	Data        []byte
}

// Payee is an output the constructed transaction must pay.
type Payee struct {
	Address string `json:"address"`
	Amount  uint64 `json:"amount"` // satoshis
}

// PayeeSet is the pricing answer for one encoded argument set.
type PayeeSet struct {
	Payees  []Payee `json:"payees"`
	Invoice Invoice `json:"invoice"`
}

// Total returns the sum of all payee amounts.
func (p *PayeeSet) Total() uint64 {
	var total uint64
	for _, payee := range p.Payees {
		total += payee.Amount
	}
	return total
}

// Invoice is the server-computed invoice value. The server may send it as a
// JSON string or number; it is echoed back exactly as received.
type Invoice struct {
	raw json.RawMessage
}

// NewInvoice wraps a string invoice value.
func NewInvoice(v string) Invoice {
	b, _ := json.Marshal(v)
	return Invoice{raw: b}
}

// IsZero reports whether no invoice was received.
func (i Invoice) IsZero() bool {
	return len(i.raw) == 0 || bytes.Equal(i.raw, []byte("null"))
}

// String returns the textual invoice value as substituted into an action.
func (i Invoice) String() string {
	if i.IsZero() {
		return ""
	}
	if i.raw[0] == '"' {
		s, err := strconv.Unquote(string(i.raw))
		if err == nil {
			return s
		}
	}
	return string(i.raw)
}

// UnmarshalJSON accepts a string or a number.
func (i *Invoice) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] != '"' && trimmed[0] != 'n' {
		var n json.Number
		if err := json.Unmarshal(trimmed, &n); err != nil {
			return fmt.Errorf("invoice must be a string or number: %w", err)
		}
	}
	i.raw = append(json.RawMessage(nil), trimmed...)
	return nil
}

// MarshalJSON echoes the value as received.
func (i Invoice) MarshalJSON() ([]byte, error) {
	if i.IsZero() {
		return []byte("null"), nil
	}
	return i.raw, nil
}

// SignedTransaction is a fully signed transaction ready for broadcast.
type SignedTransaction struct {
	TxID string
	Raw  string // hex
}
