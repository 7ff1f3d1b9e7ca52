// Package model defines domain entities shared by the tracker and the peers.
package model

import "fmt"

// Role is a peer's privilege inside a group.
type Role string

// Membership roles. Only a Master may change roles; RO peers cannot mutate the catalog.
const (
	RoleMaster Role = "Master"
	RoleRW     Role = "RW"
	RoleRO     Role = "RO"
)

// ParseRole maps a persisted or wire role name onto a Role.
func ParseRole(s string) (Role, error) {
	switch s {
	case "Master", "MASTER":
		return RoleMaster, nil
	case "RW":
		return RoleRW, nil
	case "RO":
		return RoleRO, nil
	}
	return "", fmt.Errorf("unknown role %q", s)
}

// CanWrite reports whether the role may mutate a group's catalog.
func (r Role) CanWrite() bool { return r == RoleMaster || r == RoleRW }

// Membership is a peer's record inside one group.
type Membership struct {
	PeerID string
	Role   Role
	Active bool
}

// FileMeta is a catalog entry. The tracker never stores content.
type FileMeta struct {
	TreePath  string `json:"treePath"`
	Filesize  int64  `json:"filesize"`
	Timestamp int64  `json:"timestamp"`
}

// Fingerprint is the (size, timestamp) pair used to detect changes.
type Fingerprint struct {
	Size      int64
	Timestamp int64
}

// Fingerprint returns the change-detection pair of the entry.
func (f FileMeta) Fingerprint() Fingerprint {
	return Fingerprint{Size: f.Filesize, Timestamp: f.Timestamp}
}

// Membership status of the requesting peer as reported by GROUPS.
const (
	StatusActive     = "ACTIVE"
	StatusRestorable = "RESTORABLE"
	StatusOther      = "OTHER"
)

// GroupInfo is the public listing of a group together with the caller's own view.
type GroupInfo struct {
	Name   string `json:"groupName"`
	Active int    `json:"active"`
	Total  int    `json:"total"`
	Role   Role   `json:"role"`
	Status string `json:"status"`
}

// Address is where a peer can be contacted for direct transfer.
type Address struct {
	PrivateIP   string `json:"privateIP"`
	PrivatePort string `json:"privatePort"`
	PublicIP    string `json:"publicIP"`
}

// PeerInfo describes another member of a group as returned by PEERS.
type PeerInfo struct {
	PeerID  string   `json:"peerID"`
	Active  bool     `json:"active"`
	Role    Role     `json:"role"`
	Address *Address `json:"address,omitempty"`
}

// GroupRecord is the persisted part of a group.
type GroupRecord struct {
	Name    string `json:"groupName"`
	TokenRW string `json:"tokenRW"`
	TokenRO string `json:"tokenRO"`
}

// MembershipRecord is a persisted membership. The active flag is never persisted.
type MembershipRecord struct {
	PeerID    string `json:"peerID"`
	GroupName string `json:"groupName"`
	Role      Role   `json:"role"`
}

// CatalogRecord is a persisted catalog entry.
type CatalogRecord struct {
	GroupName string `json:"groupName"`
	TreePath  string `json:"filename"`
	Filesize  int64  `json:"filesize"`
	Timestamp int64  `json:"timestamp"`
}

// Snapshot is the full persisted tracker state.
type Snapshot struct {
	Groups      []GroupRecord
	Memberships []MembershipRecord
	Catalog     []CatalogRecord
}

// FileStatus is the local synchronization state of a peer's file.
type FileStatus string

// Local file states.
const (
	Unsynchronized FileStatus = "Unsynchronized"
	Synchronizing  FileStatus = "Synchronizing"
	Synchronized   FileStatus = "Synchronized"
)

// LocalFile is a peer-side record of a synced file. It is owned by the file tree.
type LocalFile struct {
	GroupName      string     `json:"groupName"`
	Filename       string     `json:"filename"` // tree path inside the group
	Filepath       string     `json:"filepath"` // local disk path
	Filesize       int64      `json:"filesize"`
	Timestamp      int64      `json:"timestamp"`
	Status         FileStatus `json:"status"`
	Progress       int        `json:"progress,omitempty"` // percent, meaningful while Synchronizing
	PreviousChunks []string   `json:"previousChunks"`
}

// Meta returns the catalog view of the local record.
func (f LocalFile) Meta() FileMeta {
	return FileMeta{TreePath: f.Filename, Filesize: f.Filesize, Timestamp: f.Timestamp}
}
