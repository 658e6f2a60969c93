package models

import (
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Container is the permission boundary grouping documents. Every document
// belongs to exactly one container; retrieval filters candidates to the
// containers the requester can at least view.
type Container struct {
	ID          primitive.ObjectID `bson:"_id,omitempty" json:"id"`
	Name        string             `bson:"name" json:"name" binding:"required,min=2,max=100"`
	Description string             `bson:"description,omitempty" json:"description,omitempty"`
	OwnerID     primitive.ObjectID `bson:"owner_id" json:"owner_id"`
	CreatedAt   time.Time          `bson:"created_at" json:"created_at"`
	UpdatedAt   time.Time          `bson:"updated_at" json:"updated_at"`
}

// ContainerPermission grants one user one level on one container.
type ContainerPermission struct {
	ID          primitive.ObjectID `bson:"_id,omitempty" json:"id"`
	ContainerID primitive.ObjectID `bson:"container_id" json:"container_id"`
	UserID      primitive.ObjectID `bson:"user_id" json:"user_id"`
	Level       PermissionLevel    `bson:"level" json:"level"`
	GrantedBy   primitive.ObjectID `bson:"granted_by,omitempty" json:"granted_by,omitempty"`
	GrantedAt   time.Time          `bson:"granted_at" json:"granted_at"`
}

// PermissionLevel orders container access so levels compare with >=.
type PermissionLevel int

const (
	PermissionNone PermissionLevel = iota
	PermissionViewer
	PermissionEditor
	PermissionOwner
)

// String returns the wire name of the level.
func (p PermissionLevel) String() string {
	switch p {
	case PermissionOwner:
		return "owner"
	case PermissionEditor:
		return "editor"
	case PermissionViewer:
		return "viewer"
	default:
		return "none"
	}
}

// ParsePermissionLevel maps a wire name to a level; unknown names are none.
func ParsePermissionLevel(s string) PermissionLevel {
	switch s {
	case "owner":
		return PermissionOwner
	case "editor":
		return PermissionEditor
	case "viewer":
		return PermissionViewer
	default:
		return PermissionNone
	}
}

// AuthContext is the per-query authorization snapshot: the requester's
// container permission set plus optional explicit filters. It is computed
// fresh for each search request and never persisted.
type AuthContext struct {
	UserID     primitive.ObjectID
	Role       string
	Containers map[primitive.ObjectID]PermissionLevel
}

// CanView reports whether the context grants at least viewer on the container.
func (a *AuthContext) CanView(containerID primitive.ObjectID) bool {
	return a.Containers[containerID] >= PermissionViewer
}

// CanEdit reports whether the context grants at least editor on the container.
func (a *AuthContext) CanEdit(containerID primitive.ObjectID) bool {
	return a.Containers[containerID] >= PermissionEditor
}
