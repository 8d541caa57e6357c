// Package socket implements a client for the legacy Socket.IO 0.9 protocol.
//
// A connection starts with an HTTP handshake (POST /socket.io/1/) that
// returns a session id, a heartbeat timeout, a closing timeout and the
// transports the server offers. The client then upgrades to a websocket at
// /socket.io/1/websocket/{sid} and exchanges text frames of the form
//
//	type:id[+]:endpoint[:data]
//
// A heartbeat packet is written every three quarters of the negotiated
// heartbeat timeout. The same timer retries the connection after a failure,
// at a fixed cadence and without limit, until Close is called.
//
// Usage:
//
//	c := socket.NewClient(transport.NewWebSocketTransport(),
//		socket.WithAddress("localhost", 8080))
//	c.OnPacket(func(p socket.Packet) { fmt.Println(p) })
//	if err := c.Connect(); err != nil {
//		log.Fatal(err)
//	}
//	defer c.Stop()
package socket
