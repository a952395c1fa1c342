// Package ytdlp drives the external yt-dlp tool: metadata probing, quality
// grouping, command-line construction, streaming progress parsing, stderr
// error mapping and child-process supervision with tree kill.
package ytdlp
