package domain

// TenantScope describes which tenants a caller may see.
// The zero scope denies everything.
type TenantScope struct {
	TenantID         string
	IsPlatformAdmin  bool
	AllowedTenantIDs map[string]struct{}
}

func NewTenantScope(tenantID string, allowed ...string) TenantScope {
	s := TenantScope{TenantID: tenantID}
	if len(allowed) > 0 {
		s.AllowedTenantIDs = make(map[string]struct{}, len(allowed))
		for _, id := range allowed {
			if id != "" {
				s.AllowedTenantIDs[id] = struct{}{}
			}
		}
	}
	return s
}

func PlatformAdminScope() TenantScope {
	return TenantScope{IsPlatformAdmin: true}
}

func (s TenantScope) ValidateAccess(target string) bool {
	if s.IsPlatformAdmin {
		return true
	}
	if s.TenantID != "" && target == s.TenantID {
		return true
	}
	if target == "" {
		return false
	}
	_, ok := s.AllowedTenantIDs[target]
	return ok
}

func (s TenantScope) RequireAccess(target string) error {
	if s.ValidateAccess(target) {
		return nil
	}
	return &TenantAccessDeniedError{ScopeTenantID: s.TenantID, TargetTenantID: target}
}
