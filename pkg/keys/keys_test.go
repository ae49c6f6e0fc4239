package keys

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ipctunnel/pkg/types"
)

func TestKeyDerivation(t *testing.T) {
	id := types.NewServiceID("sensor/imu", types.PublishSubscribe)

	assert.Equal(t, "ipctunnel/services/*", Discovery())
	assert.Equal(t, "ipctunnel/services/"+id.String(), ServiceDetails(id))
	assert.Equal(t, "ipctunnel/services/"+id.String()+"/publish_subscribe", PublishSubscribe(id))
	assert.NotEqual(t, ServiceDetails(id), PublishSubscribe(id))
}

func TestDistinctIDsDistinctKeys(t *testing.T) {
	seen := make(map[string]types.ServiceID)
	for i := 0; i < 64; i++ {
		id := types.NewServiceID(types.ServiceName(fmt.Sprintf("svc-%d", i)), types.PublishSubscribe)
		for _, key := range []string{ServiceDetails(id), PublishSubscribe(id)} {
			prev, dup := seen[key]
			require.False(t, dup, "key %s derived for %s and %s", key, prev, id)
			seen[key] = id
		}
	}
}

func TestParseServiceDetails(t *testing.T) {
	id := types.NewServiceID("sensor/imu", types.PublishSubscribe)

	got, ok := ParseServiceDetails(ServiceDetails(id))
	require.True(t, ok)
	assert.Equal(t, id, got)

	_, ok = ParseServiceDetails(PublishSubscribe(id))
	assert.False(t, ok)

	_, ok = ParseServiceDetails("other/services/" + id.String())
	assert.False(t, ok)

	_, ok = ParseServiceDetails(Root + "/not-an-id")
	assert.False(t, ok)
}
