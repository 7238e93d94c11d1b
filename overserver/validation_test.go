package overserver

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestValidateUpload(t *testing.T) {
	tests := []struct {
		name    string
		key     string
		upload  MutationUpload
		wantErr string
	}{
		{"create ok", "k", MutationUpload{TargetEntity: "a", Kind: "create", Payload: json.RawMessage(`{"x":1}`)}, ""},
		{"delete ok", "k", MutationUpload{TargetEntity: "a", Kind: "delete"}, ""},
		{"delete null ok", "k", MutationUpload{TargetEntity: "a", Kind: "delete", Payload: json.RawMessage(`null`)}, ""},
		{"custom array ok", "k", MutationUpload{TargetEntity: "a", Kind: "custom", Payload: json.RawMessage(`[1,2]`)}, ""},
		{"missing key", "", MutationUpload{TargetEntity: "a", Kind: "delete"}, "idempotency_key: required"},
		{"long key", strings.Repeat("k", 129), MutationUpload{TargetEntity: "a", Kind: "delete"}, "idempotency_key"},
		{"missing entity", "k", MutationUpload{Kind: "delete"}, "target_entity: required"},
		{"entity with slash", "k", MutationUpload{TargetEntity: "a/b", Kind: "delete"}, "target_entity"},
		{"unknown kind", "k", MutationUpload{TargetEntity: "a", Kind: "merge"}, "kind"},
		{"create without payload", "k", MutationUpload{TargetEntity: "a", Kind: "create"}, "payload: required"},
		{"update with array", "k", MutationUpload{TargetEntity: "a", Kind: "update", Payload: json.RawMessage(`[1]`)}, "JSON object"},
		{"delete with payload", "k", MutationUpload{TargetEntity: "a", Kind: "delete", Payload: json.RawMessage(`{"x":1}`)}, "empty for delete"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateUpload(tt.key, &tt.upload, 0)
			if tt.wantErr == "" {
				require.NoError(t, err)
				return
			}
			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
			require.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestMergeObjects(t *testing.T) {
	out, err := mergeObjects(json.RawMessage(`{"a":1,"b":{"c":2}}`), json.RawMessage(`{"b":{"d":3},"e":null}`))
	require.NoError(t, err)
	require.JSONEq(t, `{"a":1,"b":{"d":3},"e":null}`, string(out))

	out, err = mergeObjects(nil, json.RawMessage(`{"a":1}`))
	require.NoError(t, err)
	require.JSONEq(t, `{"a":1}`, string(out))
}
