package grpc

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	twetch "github.com/samooth/twetch-go"
)

// Metadata keys for action hooks
const (
	// MetadataKeyPayload carries a base64 JSON action payload from the client
	MetadataKeyPayload = "twetch-payload"

	// MetadataKeyPublishResult is sent in trailing metadata once the action is recorded
	MetadataKeyPublishResult = "twetch-publish-result"
)

// EncodePayload encodes an action payload as base64 JSON for gRPC metadata
func EncodePayload(payload map[string]any) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to marshal payload: %w", err)
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

// DecodePayload decodes a base64 JSON action payload from gRPC metadata
func DecodePayload(encoded string) (map[string]any, error) {
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("failed to decode base64: %w", err)
	}

	payload := map[string]any{}
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("failed to unmarshal payload: %w", err)
	}
	return payload, nil
}

// EncodePublishResult encodes the recorded action as base64 JSON
func EncodePublishResult(p *twetch.PublishContext) (string, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("failed to marshal publish result: %w", err)
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

// DecodePublishResult decodes a base64 JSON publish result from trailing metadata
func DecodePublishResult(encoded string) (*twetch.PublishContext, error) {
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("failed to decode base64: %w", err)
	}

	var p twetch.PublishContext
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to unmarshal publish result: %w", err)
	}
	return &p, nil
}
