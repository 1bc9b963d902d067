// Package coloc implements an in-process byte stream transport built on
// net.Pipe. Endpoints look like "coloc://name"; a listener registers the name
// and dialers of the same transport instance connect to it.
//
// The transport is used for collocated communicators and for tests, where it
// exercises the complete protocol stack without sockets.
package coloc
