// Package crdt defines the replicated document contract the relay syncs,
// and provides Doc, a last-writer-wins map that implements it.
//
// The relay never interprets document content. It only moves state
// vectors and updates between replicas through the Document interface,
// so any CRDT library that can produce and consume updates can be
// plugged in by a host. Doc exists so the relay, its client and its
// tests have a concrete document to converge.
//
// # Doc Model
//
// Every mutation of a Doc is an operation identified by (client, clock),
// where clock counts the operations issued by that client. A state
// vector maps each client to the next clock a replica expects from it.
//
//	op = (client, clock, lamport, key, set|delete, JSON value)
//
// Operations are integrated strictly in clock order per client. An
// operation whose predecessors have not arrived yet is held as pending
// and integrated as soon as the gap closes, so updates may be applied
// in any order and any number of times.
//
// Concurrent writes to the same key resolve to the operation with the
// highest (lamport, client) pair, which every replica computes the same
// way.
package crdt
