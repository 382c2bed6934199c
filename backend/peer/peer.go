package peer

// Peer defines the interface of a peer in the sync network. It must be
// created with the Factory.
type Peer interface {
	Service
	Editing
	SyncHandler

	// AddPeer adds new known addresses to the node and starts replicating the
	// open documents with them.
	AddPeer(addr ...string)

	// GetAddr returns the address of the node, which is also the author id of
	// its local edits.
	GetAddr() string
}

// Factory is the type of function we are using to create new instances of
// peers.
type Factory func(Configuration) Peer

// Service defines the functions for the basic operations of a peer.
type Service interface {
	// Start starts the node. It should, among other things, start listening
	// on its address using the socket.
	Start() error

	// Stop stops the node and closes its documents. It blocks until the
	// receive loop and the tickers are done.
	Stop() error
}
