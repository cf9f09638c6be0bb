// Package redisstream carries queries over Redis Streams.
//
// Transport name: "redis-streams"
//
// The client side (Transport) appends every request to a shared request
// stream and reads the answers from a reply stream of its own. The serving
// side (Responder) consumes the request stream through a consumer group,
// executes each request against a track.Store and appends the response to
// the reply stream named in the request.
//
// Minimal config keys:
// - addr: "host:port" (default "127.0.0.1:6379")
// - request_stream: shared request stream (default "xtrack:requests")
// - reply_stream: this client's reply stream (default "xtrack:replies:<consumer>")
// - group: responder consumer group (default "xtrack")
// - consumer: consumer name (default "xtrack-<host>-<pid>")
// - concurrency: responder workers (default 8)
// - batch_size: XREAD/XREADGROUP COUNT (default 128)
// - block: XREAD/XREADGROUP BLOCK duration (default 5s)
// - auto_create: create group/stream if missing (default true)
// - auto_delete_on_ack: XDEL entries once handled (default false)
// - dead_letter: stream receiving requests that could not be answered (optional)
//
// Example builder usage:
//
//	d, _ := dispatch.NewBuilder().
//	    WithBus(mb).
//	    WithTransport(redisstream.TransportName, map[string]any{
//	        "addr":           "localhost:6379",
//	        "request_stream": "library:requests",
//	        "block":          "2s",
//	    }).
//	    BuildRemote()
package redisstream
