package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhle/courier/internal/model"
)

func TestDecodeNotificationAcceptsNumericID(t *testing.T) {
	f, err := Decode([]byte(`{"type":"notification","data":{"id":7,"status":"pending","message":"order ready"}}`))
	require.NoError(t, err)

	require.Equal(t, KindNotification, f.Kind)
	require.NotNil(t, f.Push)
	assert.Equal(t, model.NotificationID("7"), f.Push.Data.ID)
	require.NotNil(t, f.Push.Data.Message)
	assert.Equal(t, "order ready", *f.Push.Data.Message)
	assert.Nil(t, f.Push.Data.IsRead, "absent field must stay nil")
}

func TestDecodeRejectsMalformedFrames(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"not json", `{"type":`},
		{"missing type", `{"data":{}}`},
		{"notification without id", `{"type":"notification","data":{"message":"x"}}`},
		{"notification bad status", `{"type":"notification","data":{"id":"1","status":"lost"}}`},
		{"count missing", `{"type":"notification_count"}`},
		{"count negative", `{"type":"notification_count","count":-1}`},
		{"update bad action", `{"type":"notification_update","action":"archived","notificationId":"1"}`},
		{"update missing id", `{"type":"notification_update","action":"deleted"}`},
		{"edited without data", `{"type":"notification_update","action":"edited","notificationId":"1"}`},
		{"update id mismatch", `{"type":"notification_update","action":"edited","notificationId":"1","data":{"id":"2"}}`},
		{"fractional id", `{"type":"notification","data":{"id":1.5}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode([]byte(tt.input))
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrMalformed)
		})
	}
}

func TestDecodeUnknownKind(t *testing.T) {
	f, err := Decode([]byte(`{"type":"shop_opened"}`))
	require.ErrorIs(t, err, ErrUnknownKind)
	assert.Equal(t, Kind("shop_opened"), f.Kind)
}

func TestDecodeNotificationUpdate(t *testing.T) {
	f, err := Decode([]byte(`{"type":"notification_update","action":"edited","notificationId":"12","data":{"message":"moved to 5pm"}}`))
	require.NoError(t, err)

	require.NotNil(t, f.Update)
	assert.Equal(t, ActionEdited, f.Update.Action)
	assert.Equal(t, model.NotificationID("12"), f.Update.NotificationID)
	require.NotNil(t, f.Update.Data)
	assert.Equal(t, "moved to 5pm", *f.Update.Data.Message)
}

func TestDecodeSessionSignals(t *testing.T) {
	for _, kind := range []Kind{KindSessionConflict, KindForceLogout, KindAuthenticationFailed} {
		f, err := Decode([]byte(`{"type":"` + string(kind) + `","message":"bye"}`))
		require.NoError(t, err)
		require.NotNil(t, f.Signal)
		assert.Equal(t, "bye", f.Signal.Message)
	}
}

func TestOutboundFrames(t *testing.T) {
	s := model.Session{SubjectID: "d-17", Role: model.RoleDriver, AuthToken: "secret"}

	data, err := Encode(NewAuthenticate(s))
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"authenticate","userId":"d-17","userType":"driver"}`, string(data))

	data, err = Encode(NewSessionHeartbeat(s))
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"session_heartbeat","userId":"d-17"}`, string(data))

	// The token never leaves through a socket frame.
	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.NotContains(t, raw, "authToken")
}
