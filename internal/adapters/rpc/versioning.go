package rpc

const (
	rpcAPICurrentVersion      = 1
	rpcAPIMinSupportedVersion = 1
	rpcNotificationVersion    = 1
)

func validateRPCAPIVersion(v *int) *rpcError {
	if v == nil {
		return nil
	}
	if *v < rpcAPIMinSupportedVersion {
		return &rpcError{
			Code:    -32081,
			Message: "rpc api version is deprecated and no longer supported",
		}
	}
	if *v > rpcAPICurrentVersion {
		return &rpcError{
			Code:    -32080,
			Message: "rpc api version is not supported by this server",
		}
	}
	return nil
}

func rpcVersionInfo() map[string]any {
	return map[string]any{
		"current_version":       rpcAPICurrentVersion,
		"min_supported_version": rpcAPIMinSupportedVersion,
		"policy":                "major-only; requests below min are rejected; requests above current are rejected",
	}
}

func rpcCapabilities() map[string]any {
	return map[string]any{
		"methods": []string{
			"health_check",
			"rpc.version",
			"rpc.capabilities",
			"sync.status",
			"sync.set_identifier",
			"sync.provide_secret",
			"sync.start_session",
			"sync.enter_view_mode",
			"sync.refresh",
			"sync.logout",
			"history.list",
			"history.record",
		},
		"stream": map[string]any{
			"path":   "/rpc/stream",
			"cursor": "seq",
		},
	}
}
