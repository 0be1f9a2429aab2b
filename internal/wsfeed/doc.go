// Package wsfeed implements a websocket Provider for the stream manager.
//
// A Feed dials one websocket per connection attempt, reports Connected once
// the handshake completes, decodes JSON price and activity frames into
// Events, and writes subscription commands as JSON.
//
// Inbound frames:
//
//	{"type":"price","symbol":"SOL","price":"101.5","change":"-0.4","volume":"1200","ts":1700000000000}
//	{"type":"activity","address":"9x..","signature":"5f..","kind":"transfer","amount":"1.5","slot":123,"ts":1700000000000}
//	{"type":"error","message":"rate limited"}
//
// Outbound commands:
//
//	{"op":"subscribe","channel":"prices","args":["SOL","BTC"]}
package wsfeed
