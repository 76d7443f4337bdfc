package mqttconn

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestConnect_RequiresBroker(t *testing.T) {
	client, err := Connect(Options{ClientID: "test"})
	assert.Error(t, err)
	assert.Nil(t, client)
}
