// Package udpstream pushes variable-length payloads over UDP within MTU limits.
//
// Wire format, one datagram per fragment:
//
//	[1 byte flag][0..ChunkSize bytes body]
//
// flag 0 means more fragments of the same Frame-Message follow, flag 1 marks
// the final fragment. There is no length prefix, sequence number or message id:
// a receiver concatenates bodies of consecutive datagrams until it sees flag 1.
//
// Transport is the sending side (fragment, sendmsg, bounded retry on kernel
// backpressure). Reassembler and Receiver are the receiving side.
//
// Delivery is best effort. A message either goes out completely or Send
// reports ErrSendFailed; the receiver discards any partial run it cannot
// complete.
package udpstream
