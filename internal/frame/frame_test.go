package frame

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDecodeConnected(t *testing.T) {
	v, err := Decode([]byte(`{"msg":"connected","session":"abc123"}`))
	require.NoError(t, err)
	require.Equal(t, Connected{Session: "abc123"}, v)
}

func TestDecodeAddedBefore(t *testing.T) {
	v, err := Decode([]byte(`{"msg":"addedBefore","collection":"msgs","id":"1","fields":{"body":"hi"},"before":"2"}`))
	require.NoError(t, err)
	ab, ok := v.(AddedBefore)
	require.True(t, ok)
	require.Equal(t, "msgs", ab.Collection)
	require.Equal(t, "1", ab.ID)
	require.Equal(t, "2", ab.Before)
	require.JSONEq(t, `{"body":"hi"}`, string(ab.Fields))
}

func TestDecodeResultWithError(t *testing.T) {
	v, err := Decode([]byte(`{"msg":"result","id":"5","error":{"errorType":"Meteor.Error","error":403,"message":"not allowed"}}`))
	require.NoError(t, err)
	r, ok := v.(Result)
	require.True(t, ok)
	require.Equal(t, "5", r.ID)
	require.NotNil(t, r.Error)
	require.Equal(t, "not allowed", r.Error.Message)
}

func TestDecodeUnknownMsgIsDroppedWithoutError(t *testing.T) {
	v, err := Decode([]byte(`{"msg":"somethingFuture"}`))
	require.NoError(t, err)
	require.Nil(t, v)
}

func TestDecodeMalformedFrameErrors(t *testing.T) {
	_, err := Decode([]byte(`not json`))
	require.Error(t, err)
}

func TestEncodeConnectAdvertisesSupport(t *testing.T) {
	data, err := EncodeConnect("1", []string{"1", "pre2"})
	require.NoError(t, err)
	require.JSONEq(t, `{"msg":"connect","version":"1","support":["1","pre2"]}`, string(data))
}

func TestEncodeMethodAppliesEJSONToParams(t *testing.T) {
	data, err := EncodeMethod("7", "echo", []interface{}{42, "x"}, nil)
	require.NoError(t, err)
	require.JSONEq(t, `{"msg":"method","id":"7","method":"echo","params":[42,"x"]}`, string(data))
}

func TestEncodeSubOmitsParamsWhenNil(t *testing.T) {
	data, err := EncodeSub("3", "posts", nil, nil)
	require.NoError(t, err)
	require.JSONEq(t, `{"msg":"sub","id":"3","name":"posts"}`, string(data))
}

func TestDecodeMovedBeforeWithoutBefore(t *testing.T) {
	v, err := Decode([]byte(`{"msg":"movedBefore","collection":"c","id":"1"}`))
	require.NoError(t, err)
	mb := v.(MovedBefore)
	require.Equal(t, "", mb.Before)
}

func TestDecodeReady(t *testing.T) {
	v, err := Decode([]byte(`{"msg":"ready","subs":["a","b"]}`))
	require.NoError(t, err)
	require.Equal(t, Ready{Subs: []string{"a", "b"}}, v)
}
