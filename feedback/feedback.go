// Package feedback builds the JSON status document posted back to the
// hawkBit server (spec.md §4.2).
//
// JSON shape and marshaling are grounded on downloader/utils.go's use of
// jsoniter for DDI body parsing; the same library is used here for
// encoding the outbound envelope.
package feedback

import (
	"time"

	jsoniter "github.com/json-iterator/go"
)

// Finished is the result.finished field of a status envelope.
type Finished string

const (
	FinishedNone    Finished = "none"
	FinishedSuccess Finished = "success"
	FinishedFailure Finished = "failure"
)

// Execution is the status.execution field of a status envelope.
type Execution string

const (
	ExecutionClosed     Execution = "closed"
	ExecutionProceeding Execution = "proceeding"
	ExecutionScheduled  Execution = "scheduled"
	ExecutionCanceled   Execution = "canceled"
	ExecutionRejected   Execution = "rejected"
	ExecutionDownloaded Execution = "downloaded"
)

type result struct {
	Finished Finished `json:"finished"`
}

type status struct {
	Result    result    `json:"result"`
	Execution Execution `json:"execution"`
	Details   []string  `json:"details,omitempty"`
}

// Envelope is the full status document, matching spec.md §4.2's shape
// exactly: { id?, time, status:{result:{finished}, execution, details?},
// data? }.
type Envelope struct {
	ID     string            `json:"id,omitempty"`
	Time   string            `json:"time"`
	Status status            `json:"status"`
	Data   map[string]string `json:"data,omitempty"`
}

// timeFormat is hawkBit's expected "YYYYMMDDTHHMMSS" UTC timestamp.
const timeFormat = "20060102T150405"

// nowFunc is overridable in tests so envelope timestamps are deterministic.
var nowFunc = time.Now

// New builds a status envelope with no details and no device data — the
// common case used by every terminal and progress feedback post.
func New(id string, finished Finished, execution Execution) Envelope {
	return Envelope{
		ID:   id,
		Time: nowFunc().UTC().Format(timeFormat),
		Status: status{
			Result:    result{Finished: finished},
			Execution: execution,
		},
	}
}

// WithDetails attaches free-form detail lines (e.g. an error message, or
// "Action canceled.") to an envelope and returns it for chaining.
func (e Envelope) WithDetails(details ...string) Envelope {
	e.Status.Details = details
	return e
}

// WithData attaches device attributes; only the configData identification
// request uses this (spec.md §4.2).
func (e Envelope) WithData(data map[string]string) Envelope {
	e.Data = data
	return e
}

// Marshal encodes the envelope as the JSON body posted to the feedback URL.
func (e Envelope) Marshal() ([]byte, error) {
	return jsoniter.ConfigCompatibleWithStandardLibrary.Marshal(e)
}

// Progress builds the "Download complete. X.XX MB/s"-style progress
// feedback used by the download worker (spec.md §4.5 step 4) and by its
// installer progress callback.
func Progress(id, message string) Envelope {
	return New(id, FinishedNone, ExecutionProceeding).WithDetails(message)
}

// Success builds a terminal success/closed envelope.
func Success(id string, details ...string) Envelope {
	e := New(id, FinishedSuccess, ExecutionClosed)
	if len(details) > 0 {
		e = e.WithDetails(details...)
	}
	return e
}

// Failure builds a terminal failure/closed envelope, always carrying the
// reason (spec.md §7: deployment parse errors and protocol/resource/
// checksum errors all "produce a failure/closed feedback").
func Failure(id, reason string) Envelope {
	return New(id, FinishedFailure, ExecutionClosed).WithDetails(reason)
}

// Downloaded builds the "skip install" terminal feedback of spec.md §4.5
// step 6: finished=success, execution=downloaded.
func Downloaded(id string) Envelope {
	return New(id, FinishedSuccess, ExecutionDownloaded)
}

// Rejected builds the cancel-too-late feedback of spec.md §4.5's ordering
// guarantee and §4.6 step 5: finished=success, execution=rejected.
func Rejected(id, reason string) Envelope {
	return New(id, FinishedSuccess, ExecutionRejected).WithDetails(reason)
}

// Canceled builds the cancel-acknowledged feedback of spec.md §4.6 step 5
// ("none"/"canceled" cases): finished=success, execution=closed, detail
// "Action canceled."
func Canceled(id string) Envelope {
	return New(id, FinishedSuccess, ExecutionClosed).WithDetails("Action canceled.")
}

// Identify builds the configData identification envelope: finished=success,
// execution=closed, with the device attribute map attached.
func Identify(attrs map[string]string) Envelope {
	return New("", FinishedSuccess, ExecutionClosed).WithData(attrs)
}
