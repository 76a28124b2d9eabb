package failure

import (
	"errors"
	"fmt"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindsMatchSentinels(t *testing.T) {
	cfg := Configurationf("load", "missing %s", "weights")
	comp := Computationf("backward", "gradient never reached target")
	io := Wrap(IO, "read", os.ErrNotExist)

	assert.ErrorIs(t, cfg, ErrConfiguration)
	assert.NotErrorIs(t, cfg, ErrComputation)
	assert.ErrorIs(t, comp, ErrComputation)
	assert.ErrorIs(t, io, ErrIO)
	assert.ErrorIs(t, io, os.ErrNotExist)
	assert.Equal(t, "load: missing weights", cfg.Error())
}

func TestWrapKeepsInnermostKind(t *testing.T) {
	inner := Computationf("generate", "no gradient")
	outer := Wrap(IO, "infer", fmt.Errorf("explain: %w", inner))

	assert.Equal(t, Computation, KindOf(outer))
	assert.ErrorIs(t, outer, ErrComputation)
	assert.Nil(t, Wrap(IO, "noop", nil))
}

func TestPayloadCarriesTrace(t *testing.T) {
	err := Configurationf("startup", "weights not found")
	p := PayloadFor(err)

	assert.Equal(t, "startup: weights not found", p.Error)
	assert.Equal(t, "ConfigurationError", p.Kind)
	assert.Contains(t, p.Trace, "TestPayloadCarriesTrace")

	plain := PayloadFor(errors.New("boom"))
	assert.Equal(t, "Error", plain.Kind)
	require.NotEmpty(t, plain.Trace)
}
