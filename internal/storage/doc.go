// Package storage provides the durable key-value stores behind the flag
// cache: an in-process map, a bbolt file for devices and single hosts, and a
// PostgreSQL table for agents that share state across restarts.
//
// All stores implement [core.KVStore]. Values are opaque bytes; the cache
// owns the encoding.
package storage
