package integration

import (
	"Inkwell/backend/peer"
	"Inkwell/backend/peer/impl"
)

var studentFac peer.Factory = impl.NewPeer
