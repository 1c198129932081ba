package env

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestGetEnvPrefersLoadedMap(t *testing.T) {
	Env = map[string]string{"LB_TEST_KEY": "from-file"}
	t.Cleanup(func() { Env = nil })
	t.Setenv("LB_TEST_KEY", "from-os")

	assert.Equal(t, "from-file", GetEnv("LB_TEST_KEY", "def"))
	assert.Equal(t, "def", GetEnv("LB_TEST_MISSING", "def"))
}

func TestTypedGetters(t *testing.T) {
	Env = map[string]string{
		"LB_INT":      "7",
		"LB_BAD_INT":  "seven",
		"LB_DUR":      "250ms",
		"LB_DUR_SECS": "3",
		"LB_BOOL":     "true",
	}
	t.Cleanup(func() { Env = nil })

	assert.Equal(t, 7, GetEnvInt("LB_INT", 1))
	assert.Equal(t, 1, GetEnvInt("LB_BAD_INT", 1))
	assert.Equal(t, 250*time.Millisecond, GetEnvDuration("LB_DUR", time.Second))
	assert.Equal(t, 3*time.Second, GetEnvDuration("LB_DUR_SECS", time.Second))
	assert.Equal(t, time.Minute, GetEnvDuration("LB_DUR_MISSING", time.Minute))
	assert.True(t, GetEnvBool("LB_BOOL", false))
	assert.False(t, GetEnvBool("LB_BOOL_MISSING", false))
}
