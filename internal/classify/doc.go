// Package classify decides whether a URL should be handled as a raw file
// transfer or as a media-extraction job, based on network probing and
// heuristics. Every verdict carries a stable human-readable reason string.
package classify
