package main

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/atmx/lending-engine/internal/risk"
)

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestQuoteTable(t *testing.T) {
	out, err := runCLI(t, "quote", "--collateral", "5", "--debt", "3000", "--price", "2000")
	require.NoError(t, err)

	assert.Contains(t, out, "Collateral         : 5.0000 ETH")
	assert.Contains(t, out, "Health Factor      : 2.66 [healthy]")
	assert.Contains(t, out, "Borrow Capacity    : $8,000.00")
	assert.Contains(t, out, "Threshold          : 80.00%")
}

func TestQuoteJSONWithPreview(t *testing.T) {
	out, err := runCLI(t, "quote",
		"--collateral", "5", "--debt", "1000", "--price", "2000",
		"--kind", "withdraw", "--amount", "4.9", "--format", "json")
	require.NoError(t, err)

	var q quote
	require.NoError(t, json.Unmarshal([]byte(out), &q))
	require.NotNil(t, q.Preview)
	assert.False(t, q.Preview.Accepted)
	assert.Equal(t, risk.ReasonPositionAtRisk, q.Preview.Reason)
	assert.True(t, q.Stats.MaxSafelyWithdrawable.Equal(decimal.RequireFromString("4.375")))
}

func TestQuoteYAML(t *testing.T) {
	out, err := runCLI(t, "quote", "--collateral", "1", "--format", "yaml")
	require.NoError(t, err)

	var doc map[string]interface{}
	require.NoError(t, yaml.Unmarshal([]byte(out), &doc))
	stats, ok := doc["stats"].(map[string]interface{})
	require.True(t, ok, "stats section missing: %s", out)
	assert.Equal(t, "Infinity", stats["health_factor"])
	assert.Equal(t, "healthy", doc["status"])
}

func TestQuoteRejectsBadInput(t *testing.T) {
	for _, args := range [][]string{
		{"quote", "--collateral", "five"},
		{"quote", "--price", "0"},
		{"quote", "--threshold", "120"},
		{"quote", "--kind", "liquidate", "--amount", "1"},
		{"quote", "--format", "xml"},
	} {
		_, err := runCLI(t, args...)
		assert.Error(t, err, strings.Join(args, " "))
	}
}
