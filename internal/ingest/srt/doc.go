// Package srt implements SRT (Secure Reliable Transport) fragment ingest,
// including both listener-mode (Server) for accepting incoming sender
// connections and caller-mode (Caller) for pulling from a remote sender.
// Either way the SRT payload is a byte stream of framed fragments.
package srt
