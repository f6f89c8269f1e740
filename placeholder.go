package twetch

import (
	"fmt"

	"github.com/samooth/twetch-go/types"
)

// Placeholder tokens written into encoded actions by the ABI.
const (
	PlaceholderInvoice   = "#{invoice}"
	PlaceholderSignature = "#{mySignature}"
	PlaceholderAddress   = "#{myAddress}"
)

// PlaceholderOrder is the only order in which placeholders may be filled.
// The signature covers the content hash of the invoice-filled encoding, and
// the address is filled last.
var PlaceholderOrder = []string{
	PlaceholderInvoice,
	PlaceholderSignature,
	PlaceholderAddress,
}

// Substitution binds a placeholder to a lazily computed value.
type Substitution struct {
	Token string
	Value func() (string, error)
}

func placeholderRank(token string) int {
	for i, t := range PlaceholderOrder {
		if t == token {
			return i
		}
	}
	return -1
}

// applySubstitutions fills placeholders in slice order. Each Value is called
// only after every earlier substitution has been applied. Known placeholders
// must appear in PlaceholderOrder.
func applySubstitutions(ea types.EncodedAction, subs []Substitution) error {
	last := -1
	for _, s := range subs {
		if rank := placeholderRank(s.Token); rank >= 0 {
			if rank <= last {
				return fmt.Errorf("placeholder %s applied out of order", s.Token)
			}
			last = rank
		}

		v, err := s.Value()
		if err != nil {
			return fmt.Errorf("compute %s: %w", s.Token, err)
		}
		if err := ea.Replace(s.Token, v); err != nil {
			return err
		}
	}
	return nil
}
