// Package entity defines the identity metadata attached to every
// collaborative object: the opaque object id, the advisory collab type,
// and the workspace binding used by persistence and sync.
package entity

import (
	"fmt"

	"github.com/google/uuid"
)

// ObjectId is the opaque identity of a collaborative object, typically a
// uuid minted by NewObjectId.
type ObjectId = string

func NewObjectId() ObjectId {
	return uuid.NewString()
}

// CollabType tags what kind of services should handle an object. The type
// is advisory metadata for servers and persistence; it never changes CRDT
// semantics and is immutable for an object's lifetime. Values are fixed for
// wire compatibility.
type CollabType int32

const (
	CollabTypeDocument          CollabType = 0
	CollabTypeDatabase          CollabType = 1
	CollabTypeWorkspaceDatabase CollabType = 2
	CollabTypeFolder            CollabType = 3
	CollabTypeDatabaseRow       CollabType = 4
	CollabTypeUserAwareness     CollabType = 5
	CollabTypeUnknown           CollabType = 6
)

func (self CollabType) String() string {
	switch self {
	case CollabTypeDocument:
		return "Document"
	case CollabTypeDatabase:
		return "Database"
	case CollabTypeWorkspaceDatabase:
		return "WorkspaceDatabase"
	case CollabTypeFolder:
		return "Folder"
	case CollabTypeDatabaseRow:
		return "DatabaseRow"
	case CollabTypeUserAwareness:
		return "UserAwareness"
	default:
		return "Unknown"
	}
}

// AwarenessEnabled reports whether presence broadcasting applies to
// objects of this type.
func (self CollabType) AwarenessEnabled() bool {
	return self == CollabTypeDocument
}

// RequiredRoot names the root container an object of this type must hold,
// or "" when no structure is required.
func (self CollabType) RequiredRoot() string {
	switch self {
	case CollabTypeDocument:
		return "document"
	case CollabTypeDatabase, CollabTypeDatabaseRow:
		return "database"
	case CollabTypeWorkspaceDatabase:
		return "databases"
	case CollabTypeFolder:
		return "folder"
	case CollabTypeUserAwareness:
		return "user_awareness"
	default:
		return ""
	}
}

// CollabObject binds an object id to its workspace and authoring device.
type CollabObject struct {
	ObjectId    ObjectId
	CollabType  CollabType
	WorkspaceId string
	Uid         int64
	DeviceId    string
}

func NewCollabObject(objectId ObjectId, collabType CollabType, workspaceId string) *CollabObject {
	return &CollabObject{
		ObjectId:    objectId,
		CollabType:  collabType,
		WorkspaceId: workspaceId,
	}
}

func (self *CollabObject) WithUser(uid int64, deviceId string) *CollabObject {
	self.Uid = uid
	self.DeviceId = deviceId
	return self
}

func (self *CollabObject) Validate() error {
	if self.ObjectId == "" {
		return fmt.Errorf("collab object requires an object id")
	}
	if self.WorkspaceId == "" {
		return fmt.Errorf("collab object %s requires a workspace id", self.ObjectId)
	}
	return nil
}

func (self *CollabObject) String() string {
	return fmt.Sprintf("%s:%s@%s", self.CollabType, self.ObjectId, self.WorkspaceId)
}
