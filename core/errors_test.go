package core

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorClassification(t *testing.T) {
	ec := Retriable("connection reset by %s", "peer").WithStep("a", "fetch")
	assert.Equal(t, SeverityRetriable, ec.Severity)
	assert.Equal(t, "RETRIABLE: fetch: connection reset by peer", ec.Error())

	ec = Fatal("missing api key")
	assert.Equal(t, "FATAL: missing api key", ec.Error())
}

func TestAsClassification(t *testing.T) {
	ec := Reclassification("wrong capability selected")
	wrapped := fmt.Errorf("orchestrator: %w", ec)

	got, ok := AsClassification(wrapped)
	require.True(t, ok)
	assert.Same(t, ec, got)

	_, ok = AsClassification(errors.New("plain"))
	assert.False(t, ok)
}

func TestClassifyErrorFallback(t *testing.T) {
	assert.Nil(t, ClassifyError(nil, SeverityFatal))

	got := ClassifyError(errors.New("boom"), SeverityRetriable)
	require.NotNil(t, got)
	assert.Equal(t, SeverityRetriable, got.Severity)
	assert.Equal(t, "boom", got.Message)

	ec := Fatal("bad config")
	assert.Same(t, ec, ClassifyError(ec, SeverityRetriable))
}

func TestClassificationClone(t *testing.T) {
	ec := Retriable("x").WithMetadata("attempt", 1)
	c := ec.Clone()
	c.Metadata["attempt"] = 2
	assert.Equal(t, 1, ec.Metadata["attempt"])

	var nilEC *ErrorClassification
	assert.Nil(t, nilEC.Clone())
}
