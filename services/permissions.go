package services

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/bson/primitive"

	"saas-knowledge-platform/internal/store"
	"saas-knowledge-platform/models"
)

// AuthorizationService computes the per-request authorization snapshot
// consumed by retrieval and the document routes. It is a read path over
// container permissions; granting and revoking stay in the container
// routes.
type AuthorizationService struct {
	containers store.ContainerStore
}

func NewAuthorizationService(containers store.ContainerStore) *AuthorizationService {
	return &AuthorizationService{containers: containers}
}

// GetAuthorizedContainers builds the AuthContext for one user. Admins see
// every container at owner level; everyone else gets exactly their granted
// set plus the containers they own. Computed fresh per request so a
// revocation takes effect on the next query.
func (s *AuthorizationService) GetAuthorizedContainers(ctx context.Context, userID primitive.ObjectID, role string) (*models.AuthContext, error) {
	authCtx := &models.AuthContext{
		UserID:     userID,
		Role:       role,
		Containers: make(map[primitive.ObjectID]models.PermissionLevel),
	}

	if role == models.RoleAdmin || role == models.RoleSuperadmin {
		all, err := s.containers.List(ctx)
		if err != nil {
			return nil, fmt.Errorf("list containers: %w", err)
		}
		for _, c := range all {
			authCtx.Containers[c.ID] = models.PermissionOwner
		}
		return authCtx, nil
	}

	perms, err := s.containers.PermissionsForUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("load permissions: %w", err)
	}
	for _, p := range perms {
		if p.Level > authCtx.Containers[p.ContainerID] {
			authCtx.Containers[p.ContainerID] = p.Level
		}
	}

	// Ownership implies owner-level access even without an explicit grant.
	owned, err := s.containers.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list containers: %w", err)
	}
	for _, c := range owned {
		if c.OwnerID == userID {
			authCtx.Containers[c.ID] = models.PermissionOwner
		}
	}

	return authCtx, nil
}
