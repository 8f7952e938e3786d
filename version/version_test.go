package version

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/teranos/tock/transport"
)

func TestGet(t *testing.T) {
	info := Get()
	assert.Equal(t, transport.ProtocolVersion, info.Protocol)
	assert.NotEmpty(t, info.GoVersion)
	assert.Contains(t, info.String(), "tock dev")
}

func TestShort(t *testing.T) {
	assert.Equal(t, "abcdef1", Info{CommitHash: "abcdef123456"}.Short())
	assert.Equal(t, "dev", Info{CommitHash: "dev"}.Short())
}

func TestUserAgent(t *testing.T) {
	ua := Info{Version: "1.4.0", Platform: "linux/amd64", Protocol: "1.2.0"}.UserAgent()
	assert.Equal(t, "tock/1.4.0 (linux/amd64; protocol 1.2.0)", ua)
}
