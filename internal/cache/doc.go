// Package cache implements the host cache-bucket API on disk. Every site owns
// a store rooted at StoragePath/<site>; each bucket is a directory named by a
// worker Version Tag, and each entry is a body file plus a JSON metadata
// sidecar holding status and headers. Writes go through temp file + rename so
// readers never observe partial bodies. Bucket names starting with "." are
// reserved for install staging and never enumerated.
package cache
