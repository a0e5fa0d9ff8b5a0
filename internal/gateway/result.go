package gateway

import (
	"errors"

	"querygate/internal/protocol"
	"querygate/pkg/problems"
)

// Result is the terminal value of one Execute call. Every path, including
// panics, produces one.
type Result struct {
	Success     bool              `json:"success"`
	RecordCount int               `json:"recordCount"`
	Records     []protocol.Record `json:"records"`
	RawResponse string            `json:"rawResponse,omitempty"`
	Error       *ErrorInfo        `json:"error,omitempty"`
	Warnings    []string          `json:"warnings,omitempty"`
	ElapsedMs   int64             `json:"elapsedMs"`
}

type ErrorInfo struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Type    string `json:"type,omitempty"`   // SOAP fault code
	Status  int    `json:"status,omitempty"` // upstream HTTP status
}

// Kind returns the problems.Kind behind the error code, "" on success.
func (r Result) Kind() problems.Kind {
	if r.Error == nil {
		return ""
	}
	for _, k := range []problems.Kind{
		problems.KindCredentialNotFound, problems.KindDecryption, problems.KindAuthentication,
		problems.KindUpstream, problems.KindTimeout, problems.KindMalformedResponse,
		problems.KindInvalidRequest, problems.KindForbidden, problems.KindInternal,
	} {
		if problems.Code(k) == r.Error.Code {
			return k
		}
	}
	return problems.KindInternal
}

func success(records []protocol.Record) Result {
	if records == nil {
		records = []protocol.Record{}
	}
	return Result{Success: true, RecordCount: len(records), Records: records}
}

func failure(err error) Result {
	info := &ErrorInfo{Code: problems.Code(problems.KindOf(err)), Message: err.Error()}
	var pe *problems.Error
	if errors.As(err, &pe) {
		info.Message = pe.Message
		info.Status = pe.Status
	}
	var fault *protocol.Fault
	if errors.As(err, &fault) {
		info.Type = fault.Code
	}
	return Result{Records: []protocol.Record{}, Error: info}
}
