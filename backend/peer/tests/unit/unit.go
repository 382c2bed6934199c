package unit

import (
	"Inkwell/backend/peer"
	"Inkwell/backend/peer/impl"
	"Inkwell/backend/transport"
	"Inkwell/backend/transport/channel"
	"Inkwell/backend/transport/udp"
	"Inkwell/backend/transport/ws"
)

var peerFac peer.Factory = impl.NewPeer

var channelFac transport.Factory = channel.NewTransport
var udpFac transport.Factory = udp.NewUDP
var wsFac transport.Factory = ws.NewTransport
