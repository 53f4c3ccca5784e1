package registry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/helix-bi/helix/go/pipeline/internal/envelope"
	"github.com/helix-bi/helix/go/pipeline/internal/idempotency"
	"github.com/helix-bi/helix/go/pipeline/internal/state"
)

func noopInvoke(context.Context, map[string]interface{}) (interface{}, error) {
	return nil, nil
}

func TestRegisterInfersGroupAndDefaults(t *testing.T) {
	reg := NewRegistry(zaptest.NewLogger(t))
	d := &Descriptor{ID: "query_database", Invoke: noopInvoke}
	require.NoError(t, reg.Register(d))

	got, ok := reg.Get("query_database")
	require.True(t, ok)
	assert.Equal(t, state.GroupQuery, got.Group)
	assert.Equal(t, idempotency.PolicyNoCache, got.CachePolicy)
	assert.Equal(t, envelope.LevelStandard, got.OutputLevel)
}

func TestRegisterRejections(t *testing.T) {
	reg := NewRegistry(zaptest.NewLogger(t))

	assert.Error(t, reg.Register(nil))
	assert.Error(t, reg.Register(&Descriptor{Invoke: noopInvoke}), "missing id")
	assert.Error(t, reg.Register(&Descriptor{ID: "mystery_tool", Invoke: noopInvoke}), "unknown group prefix")
	assert.Error(t, reg.Register(&Descriptor{ID: "query_database"}), "missing invoke")

	require.NoError(t, reg.Register(&Descriptor{ID: "query_database", Invoke: noopInvoke}))
	assert.Error(t, reg.Register(&Descriptor{ID: "query_database", Invoke: noopInvoke}), "duplicate id")
}

func TestUnregisterAndIDs(t *testing.T) {
	reg := NewRegistry(zaptest.NewLogger(t))
	require.NoError(t, reg.Register(&Descriptor{ID: "query_database", Invoke: noopInvoke}))
	require.NoError(t, reg.Register(&Descriptor{ID: "exec_python", Invoke: noopInvoke, Timeout: time.Minute}))

	assert.Equal(t, []string{"exec_python", "query_database"}, reg.IDs())
	assert.Len(t, reg.List(), 2)

	reg.Unregister("exec_python")
	_, ok := reg.Get("exec_python")
	assert.False(t, ok)
	assert.Equal(t, []string{"query_database"}, reg.IDs())
}

func TestValidateArgs(t *testing.T) {
	d := &Descriptor{
		ID: "query_database",
		Args: []ArgSpec{
			{Name: "sql", Type: ArgString, Required: true},
			{Name: "limit", Type: ArgInt},
			{Name: "explain", Type: ArgBool},
			{Name: "params", Type: ArgObject},
			{Name: "tags", Type: ArgArray},
			{Name: "ratio", Type: ArgFloat},
		},
	}

	tests := []struct {
		name    string
		args    map[string]interface{}
		wantErr bool
	}{
		{"valid minimal", map[string]interface{}{"sql": "SELECT 1"}, false},
		{"missing required", map[string]interface{}{"limit": 10}, true},
		{"unknown argument", map[string]interface{}{"sql": "SELECT 1", "bogus": true}, true},
		{"wrong type", map[string]interface{}{"sql": 42}, true},
		{"json integral float as int", map[string]interface{}{"sql": "SELECT 1", "limit": float64(10)}, false},
		{"fractional float as int", map[string]interface{}{"sql": "SELECT 1", "limit": 10.5}, true},
		{"int as float", map[string]interface{}{"sql": "SELECT 1", "ratio": 2}, false},
		{"bool", map[string]interface{}{"sql": "SELECT 1", "explain": true}, false},
		{"object", map[string]interface{}{"sql": "SELECT 1", "params": map[string]interface{}{"a": 1}}, false},
		{"array", map[string]interface{}{"sql": "SELECT 1", "tags": []interface{}{"x"}}, false},
		{"nil value accepted", map[string]interface{}{"sql": "SELECT 1", "limit": nil}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateArgs(d, tt.args)
			if tt.wantErr {
				require.Error(t, err)
				var execErr *ExecutionError
				assert.ErrorAs(t, err, &execErr)
				assert.Equal(t, "invalid_arguments", execErr.Code)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
