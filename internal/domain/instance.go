package domain

import "time"

// TenantInstance is the single engine instance owned by an org.
type TenantInstance struct {
	ID         string
	OrgID      string
	EngineHost string
	Config     PipelineConfig
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Principal identifies an authenticated caller.
type Principal struct {
	UserID string
	OrgID  string
}

// APIKey is a stored, hashed credential scoped to an org.
type APIKey struct {
	ID        string
	OrgID     string
	Prefix    string
	Hash      []byte
	CreatedAt time.Time
	RevokedAt *time.Time
}
