package valkey

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	valkeylib "github.com/valkey-io/valkey-go"
)

func TestKeyBuildsPrefixedKeys(t *testing.T) {
	c := &Client{keyPrefix: "azgw:"}
	assert.Equal(t, "azgw:queue:p1", c.Key("queue", "p1"))
	assert.Equal(t, "azgw:lock", c.Key("lock"))
	assert.Equal(t, "azgw", c.Key())
}

func TestKeyWithoutPrefix(t *testing.T) {
	c := &Client{}
	assert.Equal(t, "queue:p1", c.Key("queue", "p1"))
}

func TestIsNilMatchesOnlyNilReplies(t *testing.T) {
	assert.True(t, IsNil(valkeylib.Nil))
	assert.False(t, IsNil(errors.New("boom")))
	assert.False(t, IsNil(nil))
}
