package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestGetEnv(t *testing.T) {
	t.Setenv("TEST_STRING", "value")
	assert.Equal(t, "value", GetEnv("TEST_STRING", "fallback"))
	assert.Equal(t, "fallback", GetEnv("TEST_STRING_MISSING", "fallback"))
}

func TestGetEnvInt(t *testing.T) {
	t.Setenv("TEST_INT", "42")
	assert.Equal(t, 42, GetEnvInt("TEST_INT", 7))
	assert.Equal(t, 7, GetEnvInt("TEST_INT_MISSING", 7))

	t.Setenv("TEST_INT_BAD", "forty-two")
	assert.Equal(t, 7, GetEnvInt("TEST_INT_BAD", 7))
}

func TestGetEnvFloat(t *testing.T) {
	t.Setenv("TEST_FLOAT", "0.25")
	assert.Equal(t, 0.25, GetEnvFloat("TEST_FLOAT", 1.0))
	assert.Equal(t, 1.0, GetEnvFloat("TEST_FLOAT_MISSING", 1.0))
}

func TestGetEnvBool(t *testing.T) {
	t.Setenv("TEST_BOOL", "true")
	assert.True(t, GetEnvBool("TEST_BOOL", false))
	assert.False(t, GetEnvBool("TEST_BOOL_MISSING", false))
}

func TestGetEnvDuration(t *testing.T) {
	t.Setenv("TEST_DURATION", "90s")
	assert.Equal(t, 90*time.Second, GetEnvDuration("TEST_DURATION", time.Minute))
	assert.Equal(t, time.Minute, GetEnvDuration("TEST_DURATION_MISSING", time.Minute))

	t.Setenv("TEST_DURATION_BAD", "ninety")
	assert.Equal(t, time.Minute, GetEnvDuration("TEST_DURATION_BAD", time.Minute))
}

func TestGetRegionCapacityTable(t *testing.T) {
	t.Setenv("REGION_CAPACITY_KW", "Pune-West:50000,Pune-East:75000")
	table := GetRegionCapacityTable()
	assert.Equal(t, map[string]float64{
		"Pune-West": 50000,
		"Pune-East": 75000,
	}, table)
}

func TestGetRegionCapacityTableSkipsMalformedPairs(t *testing.T) {
	t.Setenv("REGION_CAPACITY_KW", "Pune-West:50000,broken,NoCap:,:123,Neg:-5,Pune-East:75000")
	table := GetRegionCapacityTable()
	assert.Equal(t, map[string]float64{
		"Pune-West": 50000,
		"Pune-East": 75000,
	}, table)
}

func TestGetRegionCapacityTableEmpty(t *testing.T) {
	t.Setenv("REGION_CAPACITY_KW", "")
	assert.Empty(t, GetRegionCapacityTable())
}

func TestRegionCapacity(t *testing.T) {
	table := map[string]float64{"Pune-West": 50000}
	assert.Equal(t, 50000.0, RegionCapacity(table, "Pune-West"))
	assert.Equal(t, float64(DefaultRegionCapacityKw), RegionCapacity(table, "Unknown"))
}
