package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitWithoutEndpointIsNoop(t *testing.T) {
	shutdown, err := Init(context.Background(), "", "trustwrapper", "test", false)
	require.NoError(t, err)
	require.NotNil(t, shutdown)
	assert.NoError(t, shutdown(context.Background()))
}

func TestMeterUsableWithoutInit(t *testing.T) {
	m := Meter("trustwrapper")
	ctr, err := m.Int64Counter("verifications.total")
	require.NoError(t, err)
	ctr.Add(context.Background(), 1)
}
