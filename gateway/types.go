package gateway

import (
	"encoding/json"

	"github.com/samooth/twetch-go/types"
)

// PayeesRequest is the body of POST /payees.
type PayeesRequest struct {
	Args             []string `json:"args"`
	Action           string   `json:"action"`
	ClientIdentifier string   `json:"client_identifier"`
}

// PayeesResponse is the pricing answer for one argument set.
type PayeesResponse = types.PayeeSet

// SubmitRequest is the body of POST /publish. Broadcast is omitted by the
// legacy protocol.
type SubmitRequest struct {
	SignedRawTx string          `json:"signed_raw_tx"`
	Invoice     types.Invoice   `json:"invoice"`
	Action      string          `json:"action"`
	PayParams   json.RawMessage `json:"payParams,omitempty"`
	Broadcast   *bool           `json:"broadcast,omitempty"`
}

// GraphQLRequest is the body of POST /graphql.
type GraphQLRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables"`
}

type graphQLResponse struct {
	Data   json.RawMessage `json:"data"`
	Errors []struct {
		Message string `json:"message"`
	} `json:"errors"`
}

// ChallengeResponse is returned by GET /api/v1/challenge.
type ChallengeResponse struct {
	Message string `json:"message"`
}

// AuthRequest is the body of POST /api/v1/authenticate.
type AuthRequest struct {
	Message   string `json:"message"`
	Signature string `json:"signature"`
	Address   string `json:"address"`
	V2        bool   `json:"v2"`
}

// AuthResponse carries the issued bearer token.
type AuthResponse struct {
	Token string `json:"token"`
}

type exchangeRateResponse struct {
	Price float64 `json:"price"`
}

type bsvAliasResponse struct {
	PubKey string `json:"pubkey"`
}
