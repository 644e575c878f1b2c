package modelrouter

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/researchd/internal/research"
)

func TestReloadableSwapsRouter(t *testing.T) {
	first := &fakeProvider{name: "model/first", text: "from first"}
	second := &fakeProvider{name: "model/second", text: "from second"}

	r := NewReloadable(newTestRouter(t, first))

	res, err := r.Invoke(context.Background(), research.StepPlanner, &Request{Prompt: "p"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "from first", res.Text)

	r.Swap(newTestRouter(t, second))

	res, err = r.Invoke(context.Background(), research.StepPlanner, &Request{Prompt: "p"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "from second", res.Text)
	assert.Equal(t, 1, first.calls)
	assert.Equal(t, 1, second.calls)
}

func TestReloadableIgnoresNilSwap(t *testing.T) {
	p := &fakeProvider{name: "model/only", text: "still here"}
	r := NewReloadable(newTestRouter(t, p))

	r.Swap(nil)

	res, err := r.Invoke(context.Background(), research.StepPlanner, &Request{Prompt: "p"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "still here", res.Text)
}

func TestNewReloadablePanicsOnNil(t *testing.T) {
	assert.Panics(t, func() { NewReloadable(nil) })
}
