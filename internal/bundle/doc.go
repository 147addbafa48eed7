// Package bundle iterates over archive bundles: directories of partition
// files in one physical format. An Iterator owns the stream, chunk buffer,
// scanner and checkpoint for one bundle and hands records to the caller in
// batches. Format-specific framing and decoding live behind the Decoder
// interface.
package bundle
