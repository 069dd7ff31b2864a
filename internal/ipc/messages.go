package ipc

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/loopdns/loopdns/internal/model"
)

// envelope is the wire shape of every IPC frame: a tagged union keyed by
// $type.  Payload is decoded into the concrete request/response struct the
// dispatcher expects for Type, never through a runtime class hierarchy.
type envelope struct {
	Type      string          `json:"$type"`
	MessageID uuid.UUID       `json:"messageId"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Request/response payloads for the ten verbs the server dispatches, plus
// the two notification shapes it may broadcast at any time.

// GetStatusRequest carries no fields; GetStatus takes no parameters.
type GetStatusRequest struct{}

// GetStatusResponse mirrors control.Status.
type GetStatusResponse struct {
	State              model.ConnectionStatus `json:"status"`
	ActiveProviderID   *uuid.UUID             `json:"activeProviderId,omitempty"`
	ActiveProviderName string                 `json:"activeProviderName,omitempty"`
	IsTemporary        bool                   `json:"isTemporary"`
	LastError          string                 `json:"lastError,omitempty"`
	LastHealthCheck    *time.Time             `json:"lastHealthCheck,omitempty"`
	QueriesHandled     uint64                 `json:"queriesHandled"`
}

// GetConfigRequest carries no fields.
type GetConfigRequest struct{}

// GetConfigResponse is a full round-trip of the settings document.
type GetConfigResponse struct {
	Settings *model.AppSettings `json:"settings"`
}

// SaveConfigRequest replaces the entire settings document.
type SaveConfigRequest struct {
	Settings *model.AppSettings `json:"settings"`
}

// SaveConfigResponse carries no fields; success is implicit in the absence
// of an ErrorResponse.
type SaveConfigResponse struct{}

// GetAdaptersRequest optionally restricts the snapshot to adapters that are
// currently connected.
type GetAdaptersRequest struct {
	ConnectedOnly bool `json:"connectedOnly"`
}

// GetAdaptersResponse is a snapshot of host adapters with their current DNS.
type GetAdaptersResponse struct {
	Adapters []model.Adapter `json:"adapters"`
}

// ApplyProfileRequest persists profile as the default and, if Enable, takes
// over its adapters and starts or switches the forwarder.
type ApplyProfileRequest struct {
	Profile *model.Profile `json:"profile"`
	Enable  bool           `json:"enable"`
}

// ApplyProfileResponse carries no fields.
type ApplyProfileResponse struct{}

// ConnectTemporaryRequest switches the active provider without touching the
// default profile.
type ConnectTemporaryRequest struct {
	ProviderID uuid.UUID `json:"providerId"`
}

// ConnectTemporaryResponse carries no fields.
type ConnectTemporaryResponse struct{}

// RevertToDefaultRequest carries no fields.
type RevertToDefaultRequest struct{}

// RevertToDefaultResponse carries no fields.
type RevertToDefaultResponse struct{}

// DisableRequest stops the forwarder and optionally restores every backed-up
// adapter's original DNS.
type DisableRequest struct {
	RestoreOriginalDNS bool `json:"restoreOriginalDns"`
}

// DisableResponse carries no fields.
type DisableResponse struct{}

// TestProviderRequest runs a one-shot latency check without changing state.
type TestProviderRequest struct {
	ProviderID uuid.UUID `json:"providerId"`
	TestDomain string    `json:"testDomain"`
}

// TestProviderResponse reports the synthetic probe's outcome.
type TestProviderResponse struct {
	Rcode     int   `json:"rcode"`
	LatencyMs int64 `json:"latencyMs"`
}

// FlushDnsCacheRequest carries no fields.
type FlushDnsCacheRequest struct{}

// FlushDnsCacheResponse carries no fields.
type FlushDnsCacheResponse struct{}

// ErrorResponse is returned in place of a verb's normal response when the
// request could not be satisfied: a configuration error (provider not
// found, malformed request) or a reported bootstrap/adapter failure. It
// always carries the same messageId as the request it answers.
type ErrorResponse struct {
	Message string `json:"message"`
}

// StatusChanged is broadcast to every connected client whenever the control
// state machine's status changes, including health-monitor-reported
// failures.
type StatusChanged struct {
	Status GetStatusResponse `json:"status"`
}

// SettingsChanged is broadcast to every connected client after any
// successful settings mutation.
type SettingsChanged struct {
	Settings *model.AppSettings `json:"settings"`
}

// Message type discriminators.
const (
	typeGetStatusRequest         = "GetStatusRequest"
	typeGetStatusResponse        = "GetStatusResponse"
	typeGetConfigRequest         = "GetConfigRequest"
	typeGetConfigResponse        = "GetConfigResponse"
	typeSaveConfigRequest        = "SaveConfigRequest"
	typeSaveConfigResponse       = "SaveConfigResponse"
	typeGetAdaptersRequest       = "GetAdaptersRequest"
	typeGetAdaptersResponse      = "GetAdaptersResponse"
	typeApplyProfileRequest      = "ApplyProfileRequest"
	typeApplyProfileResponse     = "ApplyProfileResponse"
	typeConnectTemporaryRequest  = "ConnectTemporaryRequest"
	typeConnectTemporaryResponse = "ConnectTemporaryResponse"
	typeRevertToDefaultRequest   = "RevertToDefaultRequest"
	typeRevertToDefaultResponse  = "RevertToDefaultResponse"
	typeDisableRequest           = "DisableRequest"
	typeDisableResponse          = "DisableResponse"
	typeTestProviderRequest      = "TestProviderRequest"
	typeTestProviderResponse     = "TestProviderResponse"
	typeFlushDNSCacheRequest     = "FlushDnsCacheRequest"
	typeFlushDNSCacheResponse    = "FlushDnsCacheResponse"
	typeErrorResponse            = "ErrorResponse"
	typeStatusChanged            = "StatusChanged"
	typeSettingsChanged          = "SettingsChanged"
)
