package exporters

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewOTLPExporter_UnknownProtocol(t *testing.T) {
	exporter, err := NewOTLPExporter(context.Background(), OTLPConfig{Endpoint: "localhost:4317", Protocol: "carrier-pigeon"})
	require.Error(t, err)
	assert.Nil(t, exporter)
	assert.Contains(t, err.Error(), "carrier-pigeon")
}

func TestNewOTLPExporter_HTTP(t *testing.T) {
	// the http exporter connects lazily, so construction succeeds without a collector
	exporter, err := NewOTLPExporter(context.Background(), OTLPConfig{Endpoint: "localhost:4318", Protocol: "http", Insecure: true})
	require.NoError(t, err)
	require.NotNil(t, exporter)
	assert.NoError(t, exporter.Shutdown(context.Background()))
}
