package dispatcher_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nanoclaw/nanoclaw/pkg/dispatcher"
)

func TestDispatchPayloadRoundTripsJSON(t *testing.T) {
	p := dispatcher.DispatchPayload{TaskID: "T1", GroupFolder: "main", Payload: []byte(`{"k":"v"}`)}
	data, err := json.Marshal(p)
	require.NoError(t, err)

	var q dispatcher.DispatchPayload
	require.NoError(t, json.Unmarshal(data, &q))
	require.Equal(t, "T1", q.TaskID)
	require.Equal(t, "main", q.GroupFolder)
	require.JSONEq(t, `{"k":"v"}`, string(q.Payload))
}
