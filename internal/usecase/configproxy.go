package usecase

import (
	"context"
	"encoding/json"
)

// ConfigProxy exposes the gateway's own configuration. Errors are returned
// unchanged so the HTTP layer can map them to status codes.
type ConfigProxy struct {
	rpc RPC
}

func NewConfigProxy(rpc RPC) *ConfigProxy {
	return &ConfigProxy{rpc: rpc}
}

// Get returns the config.get payload, or JSON null when the gateway sends none.
func (p *ConfigProxy) Get(ctx context.Context) (json.RawMessage, error) {
	payload, err := p.rpc.Call(ctx, MethodConfigGet, nil)
	if err != nil {
		return nil, err
	}
	if len(payload) == 0 {
		return json.RawMessage("null"), nil
	}
	return payload, nil
}
