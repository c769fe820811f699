package rpc

import (
	"context"
	"encoding/json"
	"time"
)

// Per-call budget for orchestrator operations driven over RPC. Relay
// timeouts below this are what actually bound the slow paths; this is the
// backstop for everything else.
const rpcCallTimeout = 30 * time.Second

func (s *Server) dispatchRPC(method string, rawParams json.RawMessage) (any, *rpcError) {
	if method == "health_check" {
		return map[string]string{"status": "ok"}, nil
	}
	if method == "rpc.version" {
		return rpcVersionInfo(), nil
	}
	if method == "rpc.capabilities" {
		return rpcCapabilities(), nil
	}
	if result, rpcErr, ok := s.dispatchSessionRPC(method, rawParams); ok {
		return result, rpcErr
	}
	if result, rpcErr, ok := s.dispatchHistoryRPC(method, rawParams); ok {
		return result, rpcErr
	}
	return nil, &rpcError{Code: -32601, Message: "method not found"}
}

func (s *Server) dispatchSessionRPC(method string, rawParams json.RawMessage) (any, *rpcError, bool) {
	switch method {
	case "sync.status":
		result, rpcErr := callWithoutParams(-32010, func() (any, error) {
			return s.statusResult(), nil
		})
		return result, rpcErr, true
	case "sync.set_identifier":
		result, rpcErr := callWithSingleStringParam(rawParams, -32011, func(npub string) (any, error) {
			ctx, cancel := s.callContext()
			defer cancel()
			if err := s.service.SetIdentifier(ctx, npub); err != nil {
				return nil, err
			}
			return s.statusResult(), nil
		})
		return result, rpcErr, true
	case "sync.provide_secret":
		result, rpcErr := callWithSingleStringParam(rawParams, -32012, func(secret string) (any, error) {
			ctx, cancel := s.callContext()
			defer cancel()
			if err := s.service.ProvideSecret(ctx, secret); err != nil {
				return nil, err
			}
			return s.statusResult(), nil
		})
		return result, rpcErr, true
	case "sync.start_session":
		result, rpcErr := callWithoutParams(-32013, func() (any, error) {
			ctx, cancel := s.callContext()
			defer cancel()
			if err := s.service.StartSession(ctx); err != nil {
				return nil, err
			}
			return map[string]any{"session_id": s.service.SessionID(), "state": s.service.State()}, nil
		})
		return result, rpcErr, true
	case "sync.enter_view_mode":
		result, rpcErr := callWithoutParams(-32014, func() (any, error) {
			s.service.EnterViewMode()
			return s.statusResult(), nil
		})
		return result, rpcErr, true
	case "sync.refresh":
		result, rpcErr := callWithoutParams(-32015, func() (any, error) {
			ctx, cancel := s.callContext()
			defer cancel()
			if err := s.service.OnForeground(ctx); err != nil {
				return nil, err
			}
			return s.statusResult(), nil
		})
		return result, rpcErr, true
	case "sync.logout":
		result, rpcErr := callWithoutParams(-32016, func() (any, error) {
			if err := s.service.Logout(); err != nil {
				return nil, err
			}
			return s.statusResult(), nil
		})
		return result, rpcErr, true
	default:
		return nil, nil, false
	}
}

func (s *Server) dispatchHistoryRPC(method string, rawParams json.RawMessage) (any, *rpcError, bool) {
	switch method {
	case "history.list":
		result, rpcErr := callWithoutParams(-32020, func() (any, error) {
			entries := s.service.Entries()
			return map[string]any{"entries": entries, "count": len(entries)}, nil
		})
		return result, rpcErr, true
	case "history.record":
		result, rpcErr := callWithEntryParam(rawParams, -32021, func(entry historyEntryParam) (any, error) {
			if err := s.service.RecordPlayback(entry.toModel()); err != nil {
				return nil, err
			}
			return map[string]any{"recorded": true, "state": s.service.State()}, nil
		})
		return result, rpcErr, true
	default:
		return nil, nil, false
	}
}

func (s *Server) statusResult() map[string]any {
	return map[string]any{
		"state":      s.service.State(),
		"notice":     s.service.StateNotice(),
		"session_id": s.service.SessionID(),
		"entries":    len(s.service.Entries()),
	}
}

func (s *Server) callContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), rpcCallTimeout)
}

func callWithoutParams(serviceErrCode int, call func() (any, error)) (any, *rpcError) {
	result, err := call()
	if err != nil {
		return nil, rpcServiceError(serviceErrCode, err)
	}
	return result, nil
}

func callWithSingleStringParam(rawParams json.RawMessage, serviceErrCode int, call func(string) (any, error)) (any, *rpcError) {
	param, err := decodeSingleStringParam(rawParams)
	if err != nil {
		return nil, rpcInvalidParams()
	}
	result, err := call(param)
	if err != nil {
		return nil, rpcServiceError(serviceErrCode, err)
	}
	return result, nil
}

func callWithEntryParam(rawParams json.RawMessage, serviceErrCode int, call func(historyEntryParam) (any, error)) (any, *rpcError) {
	entry, err := decodeEntryParam(rawParams)
	if err != nil {
		return nil, rpcInvalidParams()
	}
	result, err := call(entry)
	if err != nil {
		return nil, rpcServiceError(serviceErrCode, err)
	}
	return result, nil
}
