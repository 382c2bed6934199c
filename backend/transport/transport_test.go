package transport_test

import (
	"Inkwell/backend/transport"
	"Inkwell/backend/transport/channel"
	"Inkwell/backend/transport/udp"
	"Inkwell/backend/transport/ws"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newPacket(t *testing.T, src, dest string, i int) transport.Packet {
	payload, err := json.Marshal(map[string]int{"i": i})
	require.NoError(t, err)

	header := transport.NewHeader(src, src, dest)
	return transport.Packet{
		Header: &header,
		Msg:    &transport.Message{Type: "test", Payload: payload},
	}
}

func testTransport(t *testing.T, fac transport.Factory) {
	tr := fac()

	a, err := tr.CreateSocket("127.0.0.1:0")
	require.NoError(t, err)
	defer a.Close()

	b, err := tr.CreateSocket("127.0.0.1:0")
	require.NoError(t, err)
	defer b.Close()

	require.NotEqual(t, a.GetAddress(), b.GetAddress())

	_, err = b.Recv(10 * time.Millisecond)
	require.True(t, errors.Is(err, transport.TimeoutError(0)))

	for i := 0; i < 10; i++ {
		err = a.Send(b.GetAddress(), newPacket(t, a.GetAddress(), b.GetAddress(), i), time.Second)
		require.NoError(t, err)
	}

	for i := 0; i < 10; i++ {
		pkt, err := b.Recv(time.Second)
		require.NoError(t, err)
		require.Equal(t, a.GetAddress(), pkt.Header.Source)
		require.Equal(t, "test", pkt.Msg.Type)
	}

	require.Len(t, a.GetOuts(), 10)
	require.Len(t, b.GetIns(), 10)
	require.Empty(t, a.GetIns())

	// answer on the reverse direction
	err = b.Send(a.GetAddress(), newPacket(t, b.GetAddress(), a.GetAddress(), 42), time.Second)
	require.NoError(t, err)
	pkt, err := a.Recv(time.Second)
	require.NoError(t, err)
	require.JSONEq(t, `{"i":42}`, string(pkt.Msg.Payload))
}

func Test_Transport_Channel(t *testing.T) {
	testTransport(t, channel.NewTransport)
}

func Test_Transport_UDP(t *testing.T) {
	testTransport(t, udp.NewUDP)
}

func Test_Transport_WS(t *testing.T) {
	testTransport(t, ws.NewTransport)
}

func Test_Transport_Channel_Partition(t *testing.T) {
	tr := channel.NewTransport().(*channel.Transport)

	a, err := tr.CreateSocket("127.0.0.1:0")
	require.NoError(t, err)
	b, err := tr.CreateSocket("127.0.0.1:0")
	require.NoError(t, err)
	defer b.Close()

	tr.Disconnect(a.GetAddress(), b.GetAddress())
	err = a.Send(b.GetAddress(), newPacket(t, a.GetAddress(), b.GetAddress(), 1), time.Second)
	require.Error(t, err)
	err = b.Send(a.GetAddress(), newPacket(t, b.GetAddress(), a.GetAddress(), 1), time.Second)
	require.Error(t, err)

	tr.Reconnect(b.GetAddress(), a.GetAddress())
	err = a.Send(b.GetAddress(), newPacket(t, a.GetAddress(), b.GetAddress(), 1), time.Second)
	require.NoError(t, err)

	require.NoError(t, a.Close())
	err = b.Send(a.GetAddress(), newPacket(t, b.GetAddress(), a.GetAddress(), 1), time.Second)
	require.Error(t, err)
}

func Test_Packet_Copy(t *testing.T) {
	pkt := newPacket(t, "a", "b", 1)
	cp := pkt.Copy()

	cp.Msg.Payload[0] = 'x'
	cp.Header.Source = "c"
	require.Equal(t, "a", pkt.Header.Source)
	require.JSONEq(t, `{"i":1}`, string(pkt.Msg.Payload))

	buf, err := pkt.Marshal()
	require.NoError(t, err)
	var res transport.Packet
	require.NoError(t, res.Unmarshal(buf))
	require.Equal(t, pkt.Header.PacketID, res.Header.PacketID)
}
