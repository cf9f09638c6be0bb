// Package pubsub carries queries over any watermill Publisher/Subscriber
// pair. The in-process GoChannel is the default backend; brokers supported
// by watermill plug in through Config.Publisher and Config.Subscriber.
//
// Transport name: "watermill"
//
// A request is a watermill message on the request topic whose payload is
// the serialized query and whose metadata carries the query name, codec,
// correlation id and reply topic. The Responder answers on the reply topic
// with the result as payload and the error code in metadata.
package pubsub
