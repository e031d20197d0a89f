package types

import (
	"time"
)

// Peer represents a remote Claw known to this node. Identity key is the
// primary key: a 33-byte compressed public key in hex (66 chars).
type Peer struct {
	IdentityKey  string    `json:"identityKey"`
	ClawID       string    `json:"clawId,omitempty"`
	Endpoint     string    `json:"endpoint,omitempty"`
	Capabilities []string  `json:"capabilities,omitempty"`
	Chain        string    `json:"chain,omitempty"`
	LastSeen     time.Time `json:"lastSeen"`
	Reputation   int       `json:"reputation"`
}

// Capability describes a priced function exposed over /call/:cap.
type Capability struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	PriceSats   int64    `json:"priceSats"`
	Tags        []string `json:"tags,omitempty"`
}

// PartyRef identifies one side of an invitation.
type PartyRef struct {
	ClawID      string `json:"clawId,omitempty"`
	IdentityKey string `json:"identityKey,omitempty"`
	PublicKey   string `json:"publicKey,omitempty"`
	Endpoint    string `json:"endpoint,omitempty"`
}

// WalletSnapshot is the sender's advertised wallet configuration carried
// inside an invitation.
type WalletSnapshot struct {
	Chain        string   `json:"chain"`
	Capabilities []string `json:"capabilities,omitempty"`
	DeployHint   string   `json:"deployHint,omitempty"`
}

// Invitation is a signed offer to peer with the sender.
type Invitation struct {
	Protocol  string         `json:"protocol"`
	Version   string         `json:"version"`
	ID        string         `json:"id"`
	Nonce     string         `json:"nonce"`
	Sender    PartyRef       `json:"sender"`
	Recipient PartyRef       `json:"recipient"`
	Wallet    WalletSnapshot `json:"wallet"`
	ExpiresAt time.Time      `json:"expiresAt"`
	Timestamp string         `json:"timestamp"`
	Signature string         `json:"signature,omitempty"`
}

// AnnouncedCapability is one capability entry inside an announcement.
type AnnouncedCapability struct {
	Name        string   `json:"name"`
	Version     string   `json:"version,omitempty"`
	Endpoint    string   `json:"endpoint,omitempty"`
	Methods     []string `json:"methods,omitempty"`
	RateLimit   int      `json:"rateLimit,omitempty"`
	CostPerCall int64    `json:"costPerCall,omitempty"`
}

// Announcement is a signed broadcast of a node's capability listing.
type Announcement struct {
	Type         string                `json:"type"`
	Version      string                `json:"version"`
	ID           string                `json:"id"`
	ClawID       string                `json:"clawId,omitempty"`
	IdentityKey  string                `json:"identityKey"`
	Capabilities []AnnouncedCapability `json:"capabilities,omitempty"`
	Network      map[string]string     `json:"network,omitempty"`
	ReferredBy   string                `json:"referredBy,omitempty"`
	Timestamp    string                `json:"timestamp,omitempty"`
	Signature    string                `json:"signature,omitempty"`
}

// DiscoveryQuery is a signed request for peers matching a capability.
type DiscoveryQuery struct {
	Type        string `json:"type"`
	Version     string `json:"version"`
	ID          string `json:"id"`
	IdentityKey string `json:"identityKey"`
	Capability  string `json:"capability,omitempty"`
	Chain       string `json:"chain,omitempty"`
	Timestamp   string `json:"timestamp,omitempty"`
	Signature   string `json:"signature,omitempty"`
}

// PaymentChallenge is the 402 response body sent when a /call/:cap request
// arrives without payment.
type PaymentChallenge struct {
	SatoshisRequired    int64  `json:"satoshisRequired"`
	DerivationPrefix    string `json:"derivationPrefix"`
	IdentityKey         string `json:"identityKey"`
	FeeSatoshis         int64  `json:"feeSatoshis"`
	FeeDerivationSuffix string `json:"feeDerivationSuffix"`
	FeeIdentityKey      string `json:"feeIdentityKey"`
}

// PaymentProof is the x-bsv-payment header payload.
type PaymentProof struct {
	DerivationPrefix string `json:"derivationPrefix"`
	DerivationSuffix string `json:"derivationSuffix,omitempty"`
	Transaction      string `json:"transaction"`
}

// Receipt is a signed statement that a paid call happened and produced a
// result with a given hash.
type Receipt struct {
	ID           string `json:"id"`
	Capability   string `json:"capability"`
	Provider     string `json:"provider"`
	Requester    string `json:"requester,omitempty"`
	SatoshisPaid int64  `json:"satoshisPaid"`
	FeeSatoshis  int64  `json:"feeSatoshis"`
	ResultHash   string `json:"resultHash"`
	Timestamp    string `json:"timestamp"`
	Signature    string `json:"signature,omitempty"`
}

// JobStatus represents the lifecycle state of a brain job.
type JobStatus string

const (
	JobStatusPending       JobStatus = "pending"
	JobStatusRunning       JobStatus = "running"
	JobStatusCompleted     JobStatus = "completed"
	JobStatusFailed        JobStatus = "failed"
	JobStatusNeedsApproval JobStatus = "needs_approval"
)

// JobStrategy selects how a job is executed.
type JobStrategy string

const (
	StrategyAuto  JobStrategy = "auto"
	StrategyHire  JobStrategy = "hire"
	StrategyLocal JobStrategy = "local"
)

// MemoryStatus tracks the on-chain persistence state of a job result.
type MemoryStatus string

const (
	MemoryPendingApproval MemoryStatus = "pending_approval"
	MemoryWritten         MemoryStatus = "written"
	MemorySkipped         MemoryStatus = "skipped"
)

// AuditEntry is one step in a job's audit trail.
type AuditEntry struct {
	Timestamp time.Time      `json:"ts"`
	Action    string         `json:"action"`
	Reason    string         `json:"reason,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
}

// Job is a unit of autonomous work: run a capability locally or hire a peer.
type Job struct {
	ID               string         `json:"id"`
	CreatedAt        time.Time      `json:"createdAt"`
	UpdatedAt        time.Time      `json:"updatedAt"`
	Status           JobStatus      `json:"status"`
	Strategy         JobStrategy    `json:"strategy"`
	Capability       string         `json:"capability"`
	Params           map[string]any `json:"params,omitempty"`
	MaxSats          int64          `json:"maxSats"`
	Priority         int            `json:"priority"`
	Attempts         int            `json:"attempts"`
	SelectedEndpoint string         `json:"selectedEndpoint,omitempty"`
	PersistResult    bool           `json:"persistResult,omitempty"`
	MemoryKey        string         `json:"memoryKey,omitempty"`
	MemoryCategory   string         `json:"memoryCategory,omitempty"`
	Result           any            `json:"result,omitempty"`
	Error            string         `json:"error,omitempty"`
	MemoryStatus     MemoryStatus   `json:"memoryStatus,omitempty"`
	MemoryTxid       string         `json:"memoryTxid,omitempty"`
	Audit            []AuditEntry   `json:"audit,omitempty"`
}

// Event is one append-only decision log record.
type Event struct {
	Timestamp time.Time      `json:"ts"`
	Source    string         `json:"source"`
	Action    string         `json:"action"`
	Reason    string         `json:"reason,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
}

// PolicyTimers configures the background loops.
type PolicyTimers struct {
	DiscoveryIntervalSeconds        int  `json:"discoveryIntervalSeconds"`
	DirectoryRegisterEverySeconds   int  `json:"directoryRegisterEverySeconds"`
	AutoInviteOnDiscovery           bool `json:"autoInviteOnDiscovery"`
}

// PolicyDecisions gates spending and memory writes.
type PolicyDecisions struct {
	HireEnabled                   bool     `json:"hireEnabled"`
	AutoHireMaxSats               int64    `json:"autoHireMaxSats"`
	WriteMemoryEnabled            bool     `json:"writeMemoryEnabled"`
	RequireHumanApprovalForMemory bool     `json:"requireHumanApprovalForMemory"`
	AutoHireCapabilities          []string `json:"autoHireCapabilities,omitempty"`
	MaxJobsPerSweep               int      `json:"maxJobsPerSweep"`
}

// PolicyGrowth sets peer-count targets for discovery.
type PolicyGrowth struct {
	MinHealthyPeers  int `json:"minHealthyPeers"`
	TargetKnownPeers int `json:"targetKnownPeers"`
}

// GoalTemplate describes a recurring job the brain generates on its own.
type GoalTemplate struct {
	Capability     string         `json:"capability"`
	Params         map[string]any `json:"params,omitempty"`
	EverySeconds   int            `json:"everySeconds"`
	Enabled        *bool          `json:"enabled,omitempty"`
	Strategy       JobStrategy    `json:"strategy,omitempty"`
	MaxSats        int64          `json:"maxSats,omitempty"`
	Priority       int            `json:"priority,omitempty"`
	PersistResult  bool           `json:"persistResult,omitempty"`
	MemoryKey      string         `json:"memoryKey,omitempty"`
	MemoryCategory string         `json:"memoryCategory,omitempty"`
}

// PolicyGoals configures autonomous goal generation.
type PolicyGoals struct {
	AutoGenerateJobs         bool           `json:"autoGenerateJobs"`
	GenerateJobsEverySeconds int            `json:"generateJobsEverySeconds"`
	Templates                []GoalTemplate `json:"templates,omitempty"`
}

// Policy is the versioned brain policy record.
type Policy struct {
	Version   int             `json:"version"`
	Timers    PolicyTimers    `json:"timers"`
	Decisions PolicyDecisions `json:"decisions"`
	Growth    PolicyGrowth    `json:"growth"`
	Goals     PolicyGoals     `json:"goals"`
}

// WalletConfig is the persisted node configuration. RootKeyHex and
// EncryptedRootKey are secrets and must be stripped before any of it is
// serialized into a response.
type WalletConfig struct {
	ClawID           string   `json:"clawId"`
	IdentityKey      string   `json:"identityKey"`
	Chain            string   `json:"chain"`
	Storage          string   `json:"storage,omitempty"`
	Endpoint         string   `json:"endpoint,omitempty"`
	Host             string   `json:"host,omitempty"`
	Port             int      `json:"port,omitempty"`
	APIKey           string   `json:"apiKey,omitempty"`
	Capabilities     []string `json:"capabilities,omitempty"`
	FeeSats          int64    `json:"feeSats,omitempty"`
	RootKeyHex       string   `json:"rootKeyHex,omitempty"`
	EncryptedRootKey string   `json:"encryptedRootKey,omitempty"`
	DirectoryURL     string   `json:"directoryUrl,omitempty"`
	RegisterURL      string   `json:"registerUrl,omitempty"`
}

// Redacted returns a copy safe for /discovery, getConfig, and logs.
func (c WalletConfig) Redacted() WalletConfig {
	out := c
	out.RootKeyHex = ""
	out.EncryptedRootKey = ""
	out.APIKey = ""
	return out
}
