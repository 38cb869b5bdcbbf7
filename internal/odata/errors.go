package odata

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

// ProtocolError is an upstream error envelope normalized across the OData
// dialect variants. Status is the upstream HTTP status and is passed through
// to the caller.
type ProtocolError struct {
	Status     int             `json:"-"`
	Code       string          `json:"code"`
	Message    string          `json:"message"`
	Target     string          `json:"target,omitempty"`
	Details    []ErrorDetail   `json:"details,omitempty"`
	InnerError json.RawMessage `json:"innererror,omitempty"`
}

// ErrorDetail is one field-level diagnostic from an OData v4 error body.
type ErrorDetail struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
	Target  string `json:"target,omitempty"`
}

func (e *ProtocolError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("odata: upstream %d %s: %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("odata: upstream %d: %s", e.Status, e.Message)
}

// TransportError covers failures below the protocol layer: timeouts,
// connection refusals, TLS failures. The wrapped cause is surfaced to the
// caller only outside production mode.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string { return "odata: upstream transport failure: " + e.Err.Error() }
func (e *TransportError) Unwrap() error { return e.Err }

// v2 error body: {"error": {"code": ..., "message": {"value": ...}}}.
// The same shape with an "odata.error" top-level key is the SAP variant.
type v2ErrorBody struct {
	Error *v2Error `json:"error"`
	SAP   *v2Error `json:"odata.error"`
}

type v2Error struct {
	Code    string `json:"code"`
	Message struct {
		Value string `json:"value"`
	} `json:"message"`
}

// v4 error body: {"error": {"code", "message", "target", "details", "innererror"}}.
type v4ErrorBody struct {
	Error *struct {
		Code       string          `json:"code"`
		Message    string          `json:"message"`
		Target     string          `json:"target"`
		Details    []ErrorDetail   `json:"details"`
		InnerError json.RawMessage `json:"innererror"`
	} `json:"error"`
}

// ParseErrorResponse normalizes a non-2xx upstream body into a
// ProtocolError. Recognition order: OData v2, OData v4, SAP "odata.error".
// Unrecognized bodies fall back to the raw text, or the HTTP status text
// when the body is empty.
func ParseErrorResponse(status int, body []byte) *ProtocolError {
	// Each shape is probed independently: a v4 body fails the v2 decode with
	// a type error on "message", so a shared decode pass cannot work.
	var v2 v2ErrorBody
	if err := json.Unmarshal(body, &v2); err == nil && v2.Error != nil && v2.Error.Message.Value != "" {
		return &ProtocolError{Status: status, Code: v2.Error.Code, Message: v2.Error.Message.Value}
	}

	var v4 v4ErrorBody
	if err := json.Unmarshal(body, &v4); err == nil && v4.Error != nil && v4.Error.Message != "" {
		return &ProtocolError{
			Status:     status,
			Code:       v4.Error.Code,
			Message:    v4.Error.Message,
			Target:     v4.Error.Target,
			Details:    v4.Error.Details,
			InnerError: v4.Error.InnerError,
		}
	}

	var sap v2ErrorBody
	if err := json.Unmarshal(body, &sap); err == nil && sap.SAP != nil && sap.SAP.Message.Value != "" {
		return &ProtocolError{Status: status, Code: sap.SAP.Code, Message: sap.SAP.Message.Value}
	}

	msg := strings.TrimSpace(string(body))
	if msg == "" {
		msg = http.StatusText(status)
	}
	return &ProtocolError{Status: status, Message: msg}
}
