package ipc

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/loopdns/loopdns/internal/model"
)

// dispatch decodes env's payload into the request the verb named by
// env.Type expects, runs it against s.handlers, and returns the response
// envelope's type and payload. handled is false for an unrecognized verb,
// which gets no response at all.
func (s *Server) dispatch(ctx context.Context, env envelope) (respType string, payload any, handled bool) {
	switch env.Type {
	case typeGetStatusRequest:
		return typeGetStatusResponse, s.handleGetStatus(), true
	case typeGetConfigRequest:
		return typeGetConfigResponse, s.handleGetConfig(), true
	case typeSaveConfigRequest:
		payload, err := s.handleSaveConfig(env.Payload)
		return reply(typeSaveConfigResponse, payload, err)
	case typeGetAdaptersRequest:
		payload, err := s.handleGetAdapters(ctx, env.Payload)
		return reply(typeGetAdaptersResponse, payload, err)
	case typeApplyProfileRequest:
		payload, err := s.handleApplyProfile(ctx, env.Payload)
		return reply(typeApplyProfileResponse, payload, err)
	case typeConnectTemporaryRequest:
		payload, err := s.handleConnectTemporary(ctx, env.Payload)
		return reply(typeConnectTemporaryResponse, payload, err)
	case typeRevertToDefaultRequest:
		payload, err := s.handleRevertToDefault(ctx)
		return reply(typeRevertToDefaultResponse, payload, err)
	case typeDisableRequest:
		payload, err := s.handleDisable(ctx, env.Payload)
		return reply(typeDisableResponse, payload, err)
	case typeTestProviderRequest:
		payload, err := s.handleTestProvider(ctx, env.Payload)
		return reply(typeTestProviderResponse, payload, err)
	case typeFlushDNSCacheRequest:
		payload, err := s.handleFlushDNSCache(ctx)
		return reply(typeFlushDNSCacheResponse, payload, err)
	default:
		return "", nil, false
	}
}

// reply turns a (payload, error) pair into the envelope fields dispatch
// returns: on error, the response becomes an ErrorResponse regardless of
// what verb was requested.  Configuration errors surface in the response
// and leave state unchanged.
func reply(okType string, payload any, err error) (string, any, bool) {
	if err != nil {
		return typeErrorResponse, ErrorResponse{Message: err.Error()}, true
	}

	return okType, payload, true
}

func (s *Server) handleGetStatus() GetStatusResponse {
	return toStatusResponse(s.handlers.Control.Status())
}

func (s *Server) handleGetConfig() GetConfigResponse {
	return GetConfigResponse{Settings: s.handlers.Settings.Get()}
}

func (s *Server) handleSaveConfig(raw json.RawMessage) (any, error) {
	var req SaveConfigRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, fmt.Errorf("decoding request: %w", err)
	}

	if req.Settings == nil {
		return nil, fmt.Errorf("settings must not be null")
	}

	if err := s.handlers.Settings.UpdateWhole(req.Settings); err != nil {
		return nil, err
	}

	return SaveConfigResponse{}, nil
}

func (s *Server) handleGetAdapters(ctx context.Context, raw json.RawMessage) (any, error) {
	var req GetAdaptersRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, fmt.Errorf("decoding request: %w", err)
	}

	all, err := s.handlers.Adapters.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing adapters: %w", err)
	}

	if !req.ConnectedOnly {
		return GetAdaptersResponse{Adapters: all}, nil
	}

	filtered := make([]model.Adapter, 0, len(all))
	for _, a := range all {
		if a.Connected {
			filtered = append(filtered, a)
		}
	}

	return GetAdaptersResponse{Adapters: filtered}, nil
}

// handleApplyProfile persists profile as the default and, if Enable, takes
// over its adapters before starting or switching the forwarder onto the
// profile's provider.
func (s *Server) handleApplyProfile(ctx context.Context, raw json.RawMessage) (any, error) {
	var req ApplyProfileRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, fmt.Errorf("decoding request: %w", err)
	}

	if req.Profile == nil {
		return nil, fmt.Errorf("profile must not be null")
	}

	provider := s.handlers.Settings.ProviderByID(req.Profile.ProviderID)
	if provider == nil {
		return nil, fmt.Errorf("no provider with id %s", req.Profile.ProviderID)
	}

	if err := s.handlers.Settings.SetDefaultProfile(req.Profile); err != nil {
		return nil, fmt.Errorf("persisting default profile: %w", err)
	}

	if !req.Enable {
		return ApplyProfileResponse{}, nil
	}

	// The forwarder must be listening before any adapter is pointed at it:
	// a failed bind (port 53 already taken) must leave every adapter's DNS
	// untouched.
	status := s.handlers.Control.Status()
	if status.State == model.StatusInactive {
		if err := s.handlers.Control.Start(ctx, provider); err != nil {
			return nil, fmt.Errorf("starting: %w", err)
		}
	} else if err := s.handlers.Control.Switch(ctx, provider, false); err != nil {
		return nil, fmt.Errorf("switching: %w", err)
	}

	if err := s.takeOverAdapters(ctx, req.Profile); err != nil {
		return nil, err
	}

	if err := s.handlers.Settings.SetEnabled(true); err != nil {
		return nil, fmt.Errorf("persisting enabled state: %w", err)
	}

	return ApplyProfileResponse{}, nil
}

// takeOverAdapters backs up (if not already backed up) and applies loopback
// DNS to every adapter named in profile.  A failure on one adapter does not
// abort the others; the operation fails only when no adapter could be
// updated at all.
func (s *Server) takeOverAdapters(ctx context.Context, profile *model.Profile) (err error) {
	adapters, err := s.handlers.Adapters.List(ctx)
	if err != nil {
		return fmt.Errorf("listing adapters: %w", err)
	}

	byID := make(map[string]model.Adapter, len(adapters))
	for _, a := range adapters {
		byID[a.ID] = a
	}

	var appliedCount int
	for _, id := range profile.AdapterIDs {
		a, ok := byID[id]
		if !ok {
			continue
		}

		if _, exists := s.handlers.Settings.AdapterBackup(id); !exists {
			backup, backupErr := s.handlers.Adapters.Backup(ctx, id, a.Name, a.IfIndex)
			if backupErr != nil {
				continue
			}

			if saveErr := s.handlers.Settings.SaveAdapterBackup(backup); saveErr != nil {
				continue
			}
		}

		if applyErr := s.handlers.Adapters.Apply(ctx, id); applyErr != nil {
			continue
		}

		appliedCount++
	}

	if appliedCount == 0 && len(profile.AdapterIDs) > 0 {
		return fmt.Errorf("applying loopback dns to any adapter in profile")
	}

	return nil
}

func (s *Server) handleConnectTemporary(ctx context.Context, raw json.RawMessage) (any, error) {
	var req ConnectTemporaryRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, fmt.Errorf("decoding request: %w", err)
	}

	provider := s.handlers.Settings.ProviderByID(req.ProviderID)
	if provider == nil {
		return nil, fmt.Errorf("no provider with id %s", req.ProviderID)
	}

	if err := s.handlers.Control.Switch(ctx, provider, true); err != nil {
		return nil, err
	}

	return ConnectTemporaryResponse{}, nil
}

func (s *Server) handleRevertToDefault(ctx context.Context) (any, error) {
	if err := s.handlers.Control.RevertToDefault(ctx); err != nil {
		return nil, err
	}

	return RevertToDefaultResponse{}, nil
}

func (s *Server) handleDisable(ctx context.Context, raw json.RawMessage) (any, error) {
	var req DisableRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, fmt.Errorf("decoding request: %w", err)
	}

	if err := s.handlers.Control.Disable(ctx, req.RestoreOriginalDNS); err != nil {
		return nil, err
	}

	return DisableResponse{}, nil
}

func (s *Server) handleTestProvider(ctx context.Context, raw json.RawMessage) (any, error) {
	var req TestProviderRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, fmt.Errorf("decoding request: %w", err)
	}

	provider := s.handlers.Settings.ProviderByID(req.ProviderID)
	if provider == nil {
		return nil, fmt.Errorf("no provider with id %s", req.ProviderID)
	}

	domain := req.TestDomain
	if domain == "" {
		domain = "example.com"
	}

	res, err := s.handlers.Transport.TestDomain(ctx, provider, domain)
	if err != nil {
		return nil, fmt.Errorf("testing provider %s: %w", provider.Name, err)
	}

	return TestProviderResponse{Rcode: res.Rcode, LatencyMs: res.Latency.Milliseconds()}, nil
}

func (s *Server) handleFlushDNSCache(ctx context.Context) (any, error) {
	s.handlers.Adapters.FlushCache(ctx)

	return FlushDnsCacheResponse{}, nil
}
