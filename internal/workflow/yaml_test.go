package workflow

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/donkeylabs/execore/internal/store"
)

const orderDoc = `
name: order-fulfillment
start: reserve
inline: true
defaultRetry:
  maxAttempts: 3
  intervalMs: 10
  backoffRate: 2
  maxIntervalMs: 1000
steps:
  reserve:
    type: task
    handler: reserve-stock
    next: route
  route:
    type: choice
    choices:
      - when: in-stock
        next: ship
    default: backorder
  ship:
    type: task
    handler: ship-order
    end: true
  backorder:
    type: pass
    result: {state: backordered}
    end: true
`

func TestLoadDefinitionYAML(t *testing.T) {
	bindings := Bindings{
		Handlers: map[string]TaskFn{
			"reserve-stock": func(*StepContext) (any, error) {
				return map[string]any{"reserved": true}, nil
			},
			"ship-order": func(*StepContext) (any, error) {
				return map[string]any{"shipped": true}, nil
			},
		},
		Predicates: map[string]Predicate{
			"in-stock": func(sc *StepContext) bool {
				m, _ := sc.Prev.(map[string]any)
				return m["reserved"] == true
			},
		},
	}

	def, err := LoadDefinitionYAML([]byte(orderDoc), bindings)
	require.NoError(t, err)
	require.Equal(t, "order-fulfillment", def.Name)
	require.Equal(t, "reserve", def.Start)
	require.True(t, def.Inline)
	require.Len(t, def.Steps, 4)
	require.NotNil(t, def.DefaultRetry)
	require.Equal(t, 3, def.DefaultRetry.MaxAttempts)
	require.Equal(t, 10*time.Millisecond, def.DefaultRetry.Interval)

	// A loaded definition runs end to end.
	e := testWorkflowEngine(t, nil)
	require.NoError(t, e.RegisterDefinition(def))
	id, err := e.Start(context.Background(), "order-fulfillment", nil, StartOptions{})
	require.NoError(t, err)

	inst := waitInstance(t, e, id, store.WorkflowCompleted, 3*time.Second)
	require.JSONEq(t, `{"shipped":true}`, string(inst.Output))
}

func TestLoadDefinitionYAML_UnboundHandler(t *testing.T) {
	_, err := LoadDefinitionYAML([]byte(orderDoc), Bindings{})
	require.Error(t, err)
	require.Contains(t, err.Error(), "unbound")
}

func TestDefinitionValidate(t *testing.T) {
	def := &Definition{
		Name:  "bad",
		Start: "missing",
		Steps: map[string]*Step{},
	}
	require.Error(t, def.Validate())

	def = &Definition{
		Name:  "dangling",
		Start: "a",
		Steps: map[string]*Step{
			"a": {Type: StepTask, Next: "nope", Handler: func(*StepContext) (any, error) { return nil, nil }},
		},
	}
	err := def.Validate()
	require.Error(t, err)
	require.Contains(t, err.Error(), "unknown step")
}
