package logger

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStructuredFields(t *testing.T) {
	var buf bytes.Buffer
	log := NewWithWriter(&buf, logrus.InfoLevel)

	log.WithComponent("risk").WithField("symbol", "AAPL").WithField("reason", "COOLDOWN").Warn("Order denied.")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "risk", line["component"])
	assert.Equal(t, "AAPL", line["symbol"])
	assert.Equal(t, "COOLDOWN", line["reason"])
	assert.Equal(t, "Order denied.", line["msg"])
}

func TestLevelFallback(t *testing.T) {
	l := New(Config{Level: "nonsense", Output: "stdout"})
	assert.Equal(t, logrus.InfoLevel, l.log.GetLevel())

	l = New(Config{Level: "debug", Format: "text"})
	assert.Equal(t, logrus.DebugLevel, l.log.GetLevel())
}
