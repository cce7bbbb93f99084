package bacnet

import (
	"context"
	"testing"
	"time"

	"github.com/cepro/meteragent/meter"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testDevice uint32 = 1001

func testAddress() Address {
	return Address{Host: "127.0.0.1", Port: 47808, Device: testDevice}
}

func analogInput(instance uint32, field string) meter.Register {
	return meter.Register{
		Device:         testDevice,
		Field:          field,
		Unit:           "kW",
		ObjectType:     "analog-input",
		ObjectInstance: instance,
	}
}

func seedAnalogInput(transport *EmulatedTransport, instance uint32, value interface{}) {
	transport.SetValue(testDevice, PropertyRequest{
		ObjectType:     ObjectAnalogInput,
		ObjectInstance: instance,
		Property:       PropertyPresentValue,
	}, value)
}

func seedDeviceName(transport *EmulatedTransport, name string) {
	transport.SetValue(testDevice, PropertyRequest{
		ObjectType:     ObjectDevice,
		ObjectInstance: testDevice,
		Property:       PropertyObjectName,
	}, name)
}

func TestClientReadsPresentValue(t *testing.T) {
	tests := []struct {
		name     string
		raw      interface{}
		expected float64
	}{
		{"float32", float32(42.5), 42.5},
		{"float64", 230.1, 230.1},
		{"int", 7, 7},
		{"uint32", uint32(50), 50},
		{"bool true", true, 1},
		{"bool false", false, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			transport := NewEmulatedTransport()
			seedAnalogInput(transport, 1, tt.raw)
			client := NewClient(transport, testAddress())
			defer client.Close()

			result := client.ReadRegister(context.Background(), analogInput(1, "power_total_active"), time.Second)

			require.NoError(t, result.Err)
			assert.InDelta(t, tt.expected, result.Value, 0.001)
		})
	}
}

func TestClientReadNonNumericValue(t *testing.T) {
	transport := NewEmulatedTransport()
	seedAnalogInput(transport, 1, "not a number")
	client := NewClient(transport, testAddress())
	defer client.Close()

	result := client.ReadRegister(context.Background(), analogInput(1, "power_total_active"), time.Second)

	require.Error(t, result.Err)
	assert.Contains(t, result.Err.Error(), "non-numeric")
}

func TestClientUnknownObjectTypeFailsBeforeNetwork(t *testing.T) {
	transport := NewEmulatedTransport()
	transport.SetSilent(testDevice, true) // a network call would hang
	client := NewClient(transport, testAddress())
	defer client.Close()

	badReg := meter.Register{Device: testDevice, Field: "x", ObjectType: "thermostat"}

	result := client.ReadRegister(context.Background(), badReg, time.Second)
	require.Error(t, result.Err)
	assert.ErrorAs(t, result.Err, &UnknownObjectTypeError{})

	results := client.ReadRegisters(context.Background(), []meter.Register{analogInput(1, "ok"), badReg}, time.Second)
	require.Len(t, results, 2)
	for _, res := range results {
		assert.ErrorAs(t, res.Err, &UnknownObjectTypeError{})
	}
}

func TestClientBatchReadAlignsResults(t *testing.T) {
	transport := NewEmulatedTransport()
	seedAnalogInput(transport, 1, float32(1.5))
	seedAnalogInput(transport, 2, float32(2.5))
	seedAnalogInput(transport, 3, float32(3.5))
	client := NewClient(transport, testAddress())
	defer client.Close()

	regs := []meter.Register{
		analogInput(3, "c"),
		analogInput(1, "a"),
		analogInput(2, "b"),
	}
	results := client.ReadRegisters(context.Background(), regs, time.Second)

	require.Len(t, results, 3)
	assert.InDelta(t, 3.5, results[0].Value, 0.001)
	assert.InDelta(t, 1.5, results[1].Value, 0.001)
	assert.InDelta(t, 2.5, results[2].Value, 0.001)
}

func TestClientReadTimesOut(t *testing.T) {
	transport := NewEmulatedTransport()
	seedAnalogInput(transport, 1, float32(1.0))
	transport.SetLatency(100 * time.Millisecond)
	client := NewClient(transport, testAddress())
	defer client.Close()

	result := client.ReadRegister(context.Background(), analogInput(1, "slow"), 10*time.Millisecond)

	require.Error(t, result.Err)
	assert.ErrorIs(t, result.Err, meter.ErrReadTimeout)
}

func TestClientBatchTimeoutIsUniform(t *testing.T) {
	transport := NewEmulatedTransport()
	seedAnalogInput(transport, 1, float32(1.0))
	seedAnalogInput(transport, 2, float32(2.0))
	transport.SetLatency(100 * time.Millisecond)
	client := NewClient(transport, testAddress())
	defer client.Close()

	results := client.ReadRegisters(context.Background(), []meter.Register{analogInput(1, "a"), analogInput(2, "b")}, 10*time.Millisecond)

	require.Len(t, results, 2)
	for _, res := range results {
		assert.ErrorIs(t, res.Err, meter.ErrReadTimeout)
	}
}

func TestClientConnectivityIsPermissive(t *testing.T) {
	t.Run("responding device is reachable", func(t *testing.T) {
		transport := NewEmulatedTransport()
		seedDeviceName(transport, "acuvim-l")
		client := NewClient(transport, testAddress())
		defer client.Close()

		assert.True(t, client.CheckConnectivity(context.Background()))
	})

	t.Run("protocol error still counts as reachable", func(t *testing.T) {
		// no device object-name seeded: the probe gets an error response,
		// not a non-response
		transport := NewEmulatedTransport()
		client := NewClient(transport, testAddress())
		defer client.Close()

		assert.True(t, client.CheckConnectivity(context.Background()))
	})

	t.Run("cancelled context is unreachable", func(t *testing.T) {
		transport := NewEmulatedTransport()
		transport.SetLatency(50 * time.Millisecond)
		seedDeviceName(transport, "acuvim-l")
		client := NewClient(transport, testAddress())
		defer client.Close()

		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		assert.False(t, client.CheckConnectivity(ctx))
	})
}

func TestClientCloseIsIdempotent(t *testing.T) {
	transport := NewEmulatedTransport()
	client := NewClient(transport, testAddress())

	client.Close()
	client.Close()
}

func TestSharedTransportSurvivesClientClose(t *testing.T) {
	transport := NewEmulatedTransport()
	seedAnalogInput(transport, 1, float32(5.0))
	shared := Shared(transport)

	first := NewClient(shared, testAddress())
	first.Close()

	second := NewClient(shared, testAddress())
	defer second.Close()

	result := second.ReadRegister(context.Background(), analogInput(1, "a"), time.Second)
	require.NoError(t, result.Err)
	assert.InDelta(t, 5.0, result.Value, 0.001)
}
