package capability

import (
	"context"
	"errors"
	"testing"

	"github.com/hupe1980/planmesh/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func weatherDescriptor() core.CapabilityDescriptor {
	return core.CapabilityDescriptor{
		Name:        "weather_lookup",
		Description: "Look up current weather for a city",
		Provides:    []string{"WEATHER"},
	}
}

func TestExecuteSuccess(t *testing.T) {
	cap := New(weatherDescriptor(), func(_ context.Context, params map[string]any, view *core.ContextView) error {
		city := params["city"].(string)
		return view.Put("WEATHER", city, map[string]any{"temp": 18})
	})

	view := core.NewContextView(core.ContextData{}, []string{"WEATHER"})
	err := cap.Execute(context.Background(), map[string]any{"city": "sf"}, view)
	require.NoError(t, err)

	fields, ok := view.Updates().Get("WEATHER", "sf")
	require.True(t, ok)
	assert.Equal(t, 18, fields["temp"])
}

func TestExecuteValidation(t *testing.T) {
	cap := New(weatherDescriptor(),
		func(context.Context, map[string]any, *core.ContextView) error { return nil },
		func(o *Options) {
			o.Params = map[string]any{
				"type": "object",
				"properties": map[string]any{
					"city": map[string]any{"type": "string"},
				},
				"required": []any{"city"},
			}
		},
	)

	view := core.NewContextView(core.ContextData{}, nil)

	err := cap.Execute(context.Background(), map[string]any{}, view)
	ec, ok := core.AsClassification(err)
	require.True(t, ok)
	assert.Equal(t, core.SeverityReclassification, ec.Severity, "bad bound params mean the plan is wrong")

	err = cap.Execute(context.Background(), map[string]any{"city": 42}, view)
	ec, ok = core.AsClassification(err)
	require.True(t, ok)
	assert.Equal(t, core.SeverityReclassification, ec.Severity)
}

func TestExecuteErrorWrapping(t *testing.T) {
	t.Run("classification forwarded", func(t *testing.T) {
		want := core.Fatal("no credentials")
		cap := New(weatherDescriptor(), func(context.Context, map[string]any, *core.ContextView) error {
			return want
		})
		err := cap.Execute(context.Background(), nil, core.NewContextView(core.ContextData{}, nil))
		ec, ok := core.AsClassification(err)
		require.True(t, ok)
		assert.Same(t, want, ec)
	})

	t.Run("plain error gets fallback severity", func(t *testing.T) {
		cap := New(weatherDescriptor(), func(context.Context, map[string]any, *core.ContextView) error {
			return errors.New("connection reset")
		})
		err := cap.Execute(context.Background(), nil, core.NewContextView(core.ContextData{}, nil))
		ec, ok := core.AsClassification(err)
		require.True(t, ok)
		assert.Equal(t, core.SeverityRetriable, ec.Severity)
	})

	t.Run("fallback override", func(t *testing.T) {
		cap := New(weatherDescriptor(),
			func(context.Context, map[string]any, *core.ContextView) error {
				return errors.New("broken invariant")
			},
			func(o *Options) { o.FallbackSeverity = core.SeverityFatal },
		)
		err := cap.Execute(context.Background(), nil, core.NewContextView(core.ContextData{}, nil))
		ec, _ := core.AsClassification(err)
		assert.Equal(t, core.SeverityFatal, ec.Severity)
	})
}

func TestNewFromStruct(t *testing.T) {
	type args struct {
		City  string `json:"city" description:"City name"`
		Limit int    `json:"limit,omitempty"`
	}
	cap := NewFromStruct(weatherDescriptor(), args{},
		func(context.Context, map[string]any, *core.ContextView) error { return nil })

	view := core.NewContextView(core.ContextData{}, nil)
	err := cap.Execute(context.Background(), map[string]any{"limit": 3}, view)
	ec, ok := core.AsClassification(err)
	require.True(t, ok, "missing required city must fail validation")
	assert.Equal(t, core.SeverityReclassification, ec.Severity)

	assert.NoError(t, cap.Execute(context.Background(), map[string]any{"city": "sf"}, view))
}
