// Package models defines the persisted entities of the registry core.
package models

import "time"

// RepoType enumerates the three content kinds the registry hosts.
type RepoType string

const (
	RepoTypeModel   RepoType = "model"
	RepoTypeDataset RepoType = "dataset"
	RepoTypeSpace   RepoType = "space"
)

// PrincipalKind distinguishes a User from an Organization principal.
type PrincipalKind string

const (
	PrincipalUser PrincipalKind = "user"
	PrincipalOrg  PrincipalKind = "organization"
)

// Quota holds a byte limit (nil means unlimited) and the current usage.
type Quota struct {
	LimitBytes *int64
	UsedBytes  int64
}

// Allows reports whether additional bytes fit within the quota.
func (q Quota) Allows(additional int64) bool {
	if q.LimitBytes == nil {
		return true
	}
	return q.UsedBytes+additional <= *q.LimitBytes
}

// User is a Principal variant with login credentials.
type User struct {
	ID             int64
	Username       string // case-folded, unique
	Email          string
	PasswordHash   string
	EmailVerified  bool
	Active         bool
	PrivateQuota   Quota
	PublicQuota    Quota
	CreatedAt      time.Time
}

// Organization is a Principal variant with no login credentials of its own.
type Organization struct {
	ID           int64
	Name         string // case-folded, unique
	Description  string
	PrivateQuota Quota
	PublicQuota  Quota
	CreatedAt    time.Time
}

// Principal is the resolved actor behind a request: either a User or an
// Organization acting as the namespace owner of a repository it owns.
type Principal struct {
	Kind     PrincipalKind
	ID       int64
	Username string // the namespace name, case-folded
}

// MembershipRole orders organization privilege from least to most.
type MembershipRole string

const (
	RoleVisitor    MembershipRole = "visitor"
	RoleMember     MembershipRole = "member"
	RoleAdmin      MembershipRole = "admin"
	RoleSuperAdmin MembershipRole = "super-admin"
)

// Membership links a user into an organization with a role.
type Membership struct {
	ID     int64
	UserID int64
	OrgID  int64
	Role   MembershipRole
}

// Session is a cookie-resolvable principal reference with absolute expiry.
type Session struct {
	ID          string // opaque random id, the cookie value
	PrincipalID int64
	ExpiresAt   time.Time
	CreatedAt   time.Time
}

// Token is a hashed bearer secret resolvable to a principal.
type Token struct {
	ID          int64
	PrincipalID int64
	TokenHash   string
	Name        string
	LastUsed    *time.Time
	CreatedAt   time.Time
}

// LFSPolicy is the effective per-repo LFS classification policy.
type LFSPolicy struct {
	ThresholdBytes int64
	KeepVersions   int
	SuffixRules    []string
}

// ShouldUseLFS classifies a candidate file by size and name against the policy.
func (p LFSPolicy) ShouldUseLFS(name string, size int64) bool {
	if size >= p.ThresholdBytes {
		return true
	}
	for _, suffix := range p.SuffixRules {
		if len(name) >= len(suffix) && name[len(name)-len(suffix):] == suffix {
			return true
		}
	}
	return false
}

// Repository is a (type, namespace, name) tuple with ownership and policy.
type Repository struct {
	ID              int64
	Type            RepoType
	Namespace       string
	Name            string
	Private         bool
	OwnerPrincipal  Principal
	LFSThreshold    *int64
	LFSKeepVersions *int
	LFSSuffixRules  []string // JSON list override
	QuotaBytes      *int64
	UsedBytes       int64
	Downloads       int64
	LikesCount      int64
	CreatedAt       time.Time
}

// FullID is the "{namespace}/{name}" identifier used in URLs and the
// versioned-store repository name component.
func (r Repository) FullID() string {
	return r.Namespace + "/" + r.Name
}

// StoreRepoName is the name the versioned store knows this repository by.
func (r Repository) StoreRepoName() string {
	return "hf-" + string(r.Type) + "-" + r.Namespace + "-" + r.Name
}

// File is a logical path inside a repository on a branch.
type File struct {
	ID           int64
	RepositoryID int64
	Path         string
	Size         int64
	Checksum     string // git-blob-SHA1 for regular, SHA-256 for LFS
	LFS          bool
	IsDeleted    bool
	UpdatedAt    time.Time
}

// LFSObjectHistory preserves the link from history to an LFS blob even
// after the owning File row is soft-deleted.
type LFSObjectHistory struct {
	ID           int64
	RepositoryID int64
	Path         string
	SHA256       string
	Size         int64
	CommitID     string
	CreatedAt    time.Time
}

// Commit records authorship the versioned store itself does not track.
type Commit struct {
	CommitID       string
	RepositoryID   int64
	Branch         string
	AuthorID       int64
	AuthorUsername string
	Message        string
	Description    string
	CreatedAt      time.Time
}

// StagingUpload is an ephemeral in-flight upload record.
type StagingUpload struct {
	ID              int64
	RepositoryID    int64
	Branch          string
	Path            string
	SHA256          string
	Size            int64
	StorageKey      string
	LFS             bool
	MultipartID     string
	UploaderID      int64
	CreatedAt       time.Time
}

// DownloadSession deduplicates repeated downloads within one time bucket.
type DownloadSession struct {
	ID               int64
	RepositoryID     int64
	SessionID        string
	TimeBucket       int64
	FileCount        int64
	FirstFilePath    string
	FirstDownloadAt  time.Time
	LastDownloadAt   time.Time
	UserID           *int64
}

// DailyRepoStats is the (repository, date) rollup row.
type DailyRepoStats struct {
	ID                      int64
	RepositoryID            int64
	Date                    time.Time // truncated to day, UTC
	DownloadSessions        int64
	AuthenticatedDownloads  int64
	AnonymousDownloads      int64
	TotalFiles              int64
}

// FallbackSourceType distinguishes peer API flavors for dispatch.
type FallbackSourceType string

const (
	SourceHuggingFace FallbackSourceType = "huggingface"
	SourceKohakuHub   FallbackSourceType = "kohakuhub"
)

// FallbackSource is a priority-ordered external peer.
type FallbackSource struct {
	ID        int64
	Namespace string // "" = global
	BaseURL   string
	Token     string
	Priority  int
	Name      string
	Type      FallbackSourceType
	Enabled   bool
}

// RepositoryLike links a user's like to a repository.
type RepositoryLike struct {
	ID           int64
	RepositoryID int64
	UserID       int64
	CreatedAt    time.Time
}
