// Package task defines the immutable unit of download-and-store work and the
// failure taxonomy used for retry decisions and dead-letter records.
package task

import "encoding/json"

// Header is a single HTTP header name/value pair. Tasks carry headers as an
// ordered list; duplicate names are allowed and preserved.
type Header struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// StorageHint overrides the default destination for a task's stored body.
type StorageHint struct {
	Bucket    string            `json:"bucket,omitempty"`
	KeyPrefix string            `json:"key_prefix,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Task is one unit of download+store work derived from a job manifest
// resource. It is immutable once created: the queue and workers never mutate
// it, only the wrapping queue entry changes state.
type Task struct {
	ID          string            `json:"id"`
	JobID       string            `json:"job_id"`
	URL         string            `json:"url"`
	Headers     []Header          `json:"headers,omitempty"`
	ProxyHint   string            `json:"proxy_hint,omitempty"`
	StorageHint *StorageHint      `json:"storage_hint,omitempty"`
	Tags        map[string]string `json:"tags,omitempty"`
	Attributes  json.RawMessage   `json:"attributes,omitempty"`
}

// MergeHeaders layers task headers over defaults. Defaults come first so a
// task header with the same name wins at the transport layer; order within
// each list is preserved and duplicates are kept.
func MergeHeaders(defaults, overrides []Header) []Header {
	if len(defaults) == 0 {
		return overrides
	}
	out := make([]Header, 0, len(defaults)+len(overrides))
	out = append(out, defaults...)
	out = append(out, overrides...)
	return out
}
