// Package ldm7 holds the session protocol's domain vocabulary: feed masks,
// product signatures and metadata, scan filters, the engine-wide status
// classification, and the XDR wire shapes exchanged with downstream peers.
package ldm7
