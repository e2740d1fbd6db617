package chrome

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/littb/snapshot/internal/render/engine"
)

func TestBrowserFlags(t *testing.T) {
	t.Run("sandbox disabled", func(t *testing.T) {
		flags := browserFlags(engine.LaunchOptions{NoSandbox: true, Headless: true})
		assert.Equal(t, true, flags["no-sandbox"])
		assert.Equal(t, true, flags["disable-setuid-sandbox"])
		assert.Equal(t, true, flags["headless"])
		assert.Equal(t, true, flags["disable-dev-shm-usage"])
	})

	t.Run("sandbox kept", func(t *testing.T) {
		flags := browserFlags(engine.LaunchOptions{Headless: false})
		assert.NotContains(t, flags, "no-sandbox")
		assert.NotContains(t, flags, "disable-setuid-sandbox")
		assert.Equal(t, false, flags["headless"])
	})
}

func TestAllocatorOptions(t *testing.T) {
	base := len(allocatorOptions(engine.LaunchOptions{}))
	withPath := len(allocatorOptions(engine.LaunchOptions{ExecPath: "/usr/bin/chromium"}))
	assert.Equal(t, base+1, withPath)

	withSandboxFlags := len(allocatorOptions(engine.LaunchOptions{NoSandbox: true}))
	assert.Equal(t, base+2, withSandboxFlags)
}
