package ejson

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestToOutgoingWrapsDate(t *testing.T) {
	ts := time.UnixMilli(1700000000000)
	out, err := ToOutgoing(Date(ts), nil)
	require.NoError(t, err)
	require.Equal(t, map[string]interface{}{"$date": int64(1700000000000)}, out)
}

func TestToOutgoingWrapsBinary(t *testing.T) {
	out, err := ToOutgoing(Binary([]byte("hi")), nil)
	require.NoError(t, err)
	require.Equal(t, map[string]interface{}{"$binary": "aGk="}, out)
}

func TestToOutgoingRecursesIntoArraysAndMaps(t *testing.T) {
	ts := time.UnixMilli(42)
	in := map[string]interface{}{
		"items": []interface{}{Date(ts), "plain"},
	}
	out, err := ToOutgoing(in, nil)
	require.NoError(t, err)

	items := out.(map[string]interface{})["items"].([]interface{})
	require.Equal(t, map[string]interface{}{"$date": int64(42)}, items[0])
	require.Equal(t, "plain", items[1])
}

func TestFromIncomingUnwrapsDate(t *testing.T) {
	doc := map[string]interface{}{"$date": float64(1700000000000)}
	got := FromIncoming(doc)
	date, ok := got.(Date)
	require.True(t, ok)
	require.Equal(t, int64(1700000000000), time.Time(date).UnixMilli())
}

func TestFromIncomingUnwrapsBinary(t *testing.T) {
	doc := map[string]interface{}{"$binary": "aGk="}
	got := FromIncoming(doc)
	bin, ok := got.(Binary)
	require.True(t, ok)
	require.Equal(t, []byte("hi"), []byte(bin))
}

func TestRoundTripDatePreservesMillis(t *testing.T) {
	ts := time.UnixMilli(1234567890123)
	out, err := ToOutgoing(Date(ts), nil)
	require.NoError(t, err)
	back := FromIncoming(out)
	date, ok := back.(Date)
	require.True(t, ok)
	require.Equal(t, int64(1234567890123), time.Time(date).UnixMilli())
}

type upperCodec struct{}

func (upperCodec) EJSONEncode(v interface{}) ([]byte, bool) {
	s, ok := v.(customStruct)
	if !ok {
		return nil, false
	}
	return []byte(`{"_id":"` + s.ID + `","name":"` + s.Name + `"}`), true
}

type customStruct struct {
	ID   string
	Name string
}

func TestToOutgoingUsesRegisteredCodec(t *testing.T) {
	out, err := ToOutgoing(customStruct{ID: "1", Name: "x"}, []TypeCodec{upperCodec{}})
	require.NoError(t, err)
	require.Equal(t, map[string]interface{}{"_id": "1", "name": "x"}, out)
}

func TestFromIncomingPassesThroughPlainValues(t *testing.T) {
	require.Equal(t, "plain", FromIncoming("plain"))
	require.Equal(t, nil, FromIncoming(nil))
	require.Equal(t, float64(3), FromIncoming(float64(3)))
}
