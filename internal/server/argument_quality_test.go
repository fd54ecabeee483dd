package server

import (
	"testing"

	"github.com/agentgateway/agentgateway-sub001/internal/auth"
	"github.com/agentgateway/agentgateway-sub001/internal/guard"
)

// Invocation argument quality checks, grouped by the error class of the call:
//
//	VALID_CALL        tool, parameter names and values are all correct
//	PARAM_NAME_ERROR  correct tool, but parameter names are wrong, missing or extra
//	PARAM_VALUE_ERROR tool and parameter names correct, but values are wrong
//
// The tool definitions travel with the request in the tools field, the way
// the protocol layer forwards the cached tools/list result.

func qualityTools() []guard.Tool {
	return []guard.Tool{
		{
			Name: "order_food",
			InputSchema: map[string]any{
				"type":     "object",
				"required": []any{"item_name", "quantity"},
				"properties": map[string]any{
					"item_name": map[string]any{"type": "string"},
					"quantity":  map[string]any{"type": "integer", "minimum": float64(1)},
				},
				"additionalProperties": false,
			},
		},
		{
			Name: "get_weather",
			InputSchema: map[string]any{
				"type":     "object",
				"required": []any{"location"},
				"properties": map[string]any{
					"location": map[string]any{"type": "string"},
					"unit":     map[string]any{"type": "string", "enum": []any{"celsius", "fahrenheit"}},
				},
				"additionalProperties": false,
			},
		},
		{
			Name: "transfer_funds",
			InputSchema: map[string]any{
				"type":     "object",
				"required": []any{"from_account", "to_account", "amount", "currency"},
				"properties": map[string]any{
					"from_account": map[string]any{"type": "string"},
					"to_account":   map[string]any{"type": "string"},
					"amount":       map[string]any{"type": "number", "minimum": float64(0.01)},
					"currency":     map[string]any{"type": "string", "enum": []any{"USD", "EUR", "GBP"}},
				},
				"additionalProperties": false,
			},
		},
	}
}

func TestArgumentQuality(t *testing.T) {
	tests := []struct {
		name     string
		tool     string
		args     map[string]any
		wantCode string // empty means allow
	}{
		// VALID_CALL
		{"valid order_food", "order_food", map[string]any{"item_name": "Margherita Pizza", "quantity": 2}, ""},
		{"valid get_weather with unit", "get_weather", map[string]any{"location": "Paris", "unit": "celsius"}, ""},
		{"valid transfer_funds", "transfer_funds", map[string]any{
			"from_account": "acc_1", "to_account": "acc_2", "amount": 25.5, "currency": "EUR",
		}, ""},

		// PARAM_NAME_ERROR
		{"misspelled parameter", "order_food", map[string]any{"item": "Pizza", "quantity": 1}, "invalid_tool_arguments"},
		{"missing required parameter", "get_weather", map[string]any{"unit": "celsius"}, "invalid_tool_arguments"},
		{"extra parameter", "get_weather", map[string]any{"location": "Paris", "days": 3}, "invalid_tool_arguments"},

		// PARAM_VALUE_ERROR
		{"quantity below minimum", "order_food", map[string]any{"item_name": "Pizza", "quantity": 0}, "invalid_tool_arguments"},
		{"quantity not an integer", "order_food", map[string]any{"item_name": "Pizza", "quantity": 1.5}, "invalid_tool_arguments"},
		{"unit outside enum", "get_weather", map[string]any{"location": "Paris", "unit": "kelvin"}, "invalid_tool_arguments"},
		{"currency outside enum", "transfer_funds", map[string]any{
			"from_account": "acc_1", "to_account": "acc_2", "amount": 10, "currency": "BTC",
		}, "invalid_tool_arguments"},
		{"wrong value type", "transfer_funds", map[string]any{
			"from_account": "acc_1", "to_account": "acc_2", "amount": "ten", "currency": "USD",
		}, "invalid_tool_arguments"},

		// Schema-valid calls carrying injection payloads
		{"command injection", "get_weather", map[string]any{"location": "Paris; rm -rf /"}, "argument_injection_detected"},
		{"sql injection", "order_food", map[string]any{"item_name": "x' UNION SELECT password FROM users --", "quantity": 1}, "argument_injection_detected"},
		{"command substitution", "get_weather", map[string]any{"location": "$(cat /etc/passwd)"}, "argument_injection_detected"},

		// Tools missing from the forwarded list skip schema validation
		{"unknown tool", "launch_rocket", map[string]any{"target": "moon"}, ""},
	}

	client := setupTestServer(t, defaultSpecs(), auth.NewStaticAuthenticator(auth.ModeEnforce))
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			resp := evaluate(t, client, guard.HookToolInvokeRequest,
				guard.Payload{Tools: qualityTools(), ToolName: tc.tool, Arguments: tc.args},
				guard.GuardContext{ServerName: "github"})

			if tc.wantCode == "" {
				if resp["decision"] != "allow" {
					t.Fatalf("expected allow, got %v", resp)
				}
				return
			}
			if resp["decision"] != "deny" || reasonCode(resp) != tc.wantCode {
				t.Fatalf("expected deny %s, got %v", tc.wantCode, resp)
			}
		})
	}
}
