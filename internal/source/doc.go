// Package source reads backend server definitions for the pool.
//
// Static serves the servers listed in the configuration file. Redis reads
// one JSON document per server from a Redis database, so that an external
// system can own the server list. Both satisfy pool.ServerSource.
package source
