// Package cproto is the remote engine for cproto:// DSNs.
//
// A Client implements api.API by keeping query state locally in a
// dsl.Registry and shipping whole queries to an rxserver when a terminal
// call arrives. Every other call is one request/response round trip.
//
// Messages are JSON documents carried in frames:
//
//	magic   uint16  0x5278 ("Rx")
//	version uint8
//	codec   uint8   none, snappy, zstd or lz4
//	length  uint32  payload length after compression
//	sum     uint64  xxh3 of the compressed payload
//	payload [length]byte
//
// The server answers with the codec the request used.
package cproto
