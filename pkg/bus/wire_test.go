package bus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spiderfoot/fabric/pkg/types"
)

func TestFieldCodecRoundTrip(t *testing.T) {
	env := types.NewEnvelope("sf", "scan1", "TCP_PORT_OPEN", "sfp_portscan",
		map[string]any{"ip": "198.51.100.23", "port": 443.0})
	env.SourceEventHash = "abc123"
	env.Confidence = 75
	env.Risk = 40
	env.Metadata = map[string]any{"scanner": "nmap"}

	fields, err := encodeFields(env)
	require.NoError(t, err)
	assert.Equal(t, "75", fields["confidence"])
	assert.Equal(t, "40", fields["risk"])
	assert.NotContains(t, fields, "topic")

	got, err := decodeFields(env.Topic, fields)
	require.NoError(t, err)
	assert.Equal(t, env.Topic, got.Topic)
	assert.Equal(t, env.ScanID, got.ScanID)
	assert.Equal(t, env.EventType, got.EventType)
	assert.Equal(t, env.Module, got.Module)
	assert.Equal(t, env.SourceEventHash, got.SourceEventHash)
	assert.Equal(t, env.Confidence, got.Confidence)
	assert.Equal(t, env.Visibility, got.Visibility)
	assert.Equal(t, env.Risk, got.Risk)
	assert.Equal(t, env.Data, got.Data)
	assert.Equal(t, env.Metadata, got.Metadata)
	assert.True(t, env.Timestamp.Equal(got.Timestamp))
}

func TestFieldCodecStringDataPassthrough(t *testing.T) {
	env := types.NewEnvelope("sf", "scan1", "IP_ADDRESS", "sfp_dnsresolve", "198.51.100.23")

	fields, err := encodeFields(env)
	require.NoError(t, err)
	assert.Equal(t, "198.51.100.23", fields["data"])

	got, err := decodeFields(env.Topic, fields)
	require.NoError(t, err)
	assert.Equal(t, "198.51.100.23", got.Data)
}

func TestFieldCodecRejectsBadScore(t *testing.T) {
	fields := map[string]any{
		"scan_id":    "scan1",
		"event_type": "IP_ADDRESS",
		"confidence": "not-a-number",
	}
	_, err := decodeFields("sf.scan1.IP_ADDRESS", fields)
	assert.Error(t, err)
}

func TestDestringifyData(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want any
	}{
		{name: "plain string", in: "198.51.100.23", want: "198.51.100.23"},
		{name: "numeric string stays string", in: "443", want: "443"},
		{name: "object", in: `{"port":443}`, want: map[string]any{"port": 443.0}},
		{name: "array", in: `["a","b"]`, want: []any{"a", "b"}},
		{name: "malformed json stays string", in: `{"port":`, want: `{"port":`},
		{name: "empty", in: "", want: ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, destringifyData(tt.in))
		})
	}
}

func TestJSONCodecRoundTrip(t *testing.T) {
	env := types.NewEnvelope("sf", "scan1", "DOMAIN_NAME", "sfp_dnsbrute", "sub.example.com")
	env.Timestamp = time.Date(2024, 3, 1, 12, 30, 0, 123456789, time.UTC)
	env.Metadata = map[string]any{"depth": 2.0}

	payload, err := encodeJSON(env)
	require.NoError(t, err)
	assert.NotContains(t, string(payload), `"topic"`)

	got, err := decodeJSON(env.Topic, payload)
	require.NoError(t, err)
	assert.Equal(t, env.Topic, got.Topic)
	assert.Equal(t, env.Data, got.Data)
	assert.Equal(t, env.Metadata, got.Metadata)
	assert.True(t, env.Timestamp.Equal(got.Timestamp))
}

func TestNATSSubjectMappingDefaultPrefix(t *testing.T) {
	b := newNATSBus(Config{Backend: BackendNATS}.withDefaults())

	assert.Equal(t, "spiderfoot.sf.scan1.IP_ADDRESS", b.subjectOf("sf.scan1.IP_ADDRESS"))
	assert.Equal(t, "spiderfoot.sf.scan1.*", b.subjectOf("sf.scan1.*"))
	assert.Equal(t, "spiderfoot.sf.>", b.subjectOf("sf.>"))
	assert.Equal(t, "sf.scan1.IP_ADDRESS", b.topicOf("spiderfoot.sf.scan1.IP_ADDRESS"))
}

func TestRedisStreamKeyMapping(t *testing.T) {
	b := newRedisBus(Config{Backend: BackendRedis}.withDefaults())

	assert.Equal(t, "spiderfoot:sf.scan1.IP_ADDRESS", b.streamKey("sf.scan1.IP_ADDRESS"))
	assert.Equal(t, "sf.scan1.IP_ADDRESS", b.topicOf("spiderfoot:sf.scan1.IP_ADDRESS"))
}
