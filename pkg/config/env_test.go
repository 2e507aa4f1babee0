package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGetEnv(t *testing.T) {
	t.Setenv("RXVERIFY_TEST_VALUE", "set")

	assert.Equal(t, "set", GetEnv("RXVERIFY_TEST_VALUE", "fallback"))
	assert.Equal(t, "fallback", GetEnv("RXVERIFY_TEST_MISSING", "fallback"))
}

func TestGetEnvironment(t *testing.T) {
	tests := []struct {
		value          string
		want           string
		productionLike bool
	}{
		{"", EnvDevelopment, false},
		{"DEVELOPMENT", EnvDevelopment, false},
		{"staging", EnvStaging, true},
		{"Production", EnvProduction, true},
	}

	for _, tt := range tests {
		t.Run(tt.want+"/"+tt.value, func(t *testing.T) {
			t.Setenv("RXVERIFY_SERVER_ENVIRONMENT", tt.value)
			assert.Equal(t, tt.want, GetEnvironment())
			assert.Equal(t, tt.productionLike, IsProductionLike())
		})
	}
}
