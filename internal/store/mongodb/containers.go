package mongodb

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"saas-knowledge-platform/internal/store"
	"saas-knowledge-platform/models"
)

type ContainerStore struct {
	containers  *mongo.Collection
	permissions *mongo.Collection
}

var _ store.ContainerStore = (*ContainerStore)(nil)

func NewContainerStore(db *mongo.Database) *ContainerStore {
	return &ContainerStore{
		containers:  db.Collection("containers"),
		permissions: db.Collection("container_permissions"),
	}
}

func (s *ContainerStore) Create(ctx context.Context, container *models.Container) (primitive.ObjectID, error) {
	now := time.Now()
	if container.CreatedAt.IsZero() {
		container.CreatedAt = now
	}
	container.UpdatedAt = now
	result, err := s.containers.InsertOne(ctx, container)
	if err != nil {
		return primitive.NilObjectID, wrapErr(err)
	}
	id := result.InsertedID.(primitive.ObjectID)
	container.ID = id
	return id, nil
}

func (s *ContainerStore) Get(ctx context.Context, id primitive.ObjectID) (*models.Container, error) {
	var container models.Container
	if err := s.containers.FindOne(ctx, bson.M{"_id": id}).Decode(&container); err != nil {
		return nil, wrapErr(err)
	}
	return &container, nil
}

func (s *ContainerStore) List(ctx context.Context) ([]models.Container, error) {
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}, {Key: "_id", Value: 1}})
	cursor, err := s.containers.Find(ctx, bson.M{}, opts)
	if err != nil {
		return nil, wrapErr(err)
	}
	defer cursor.Close(ctx)

	var containers []models.Container
	if err := cursor.All(ctx, &containers); err != nil {
		return nil, wrapErr(err)
	}
	return containers, nil
}

func (s *ContainerStore) Delete(ctx context.Context, id primitive.ObjectID) error {
	result, err := s.containers.DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return wrapErr(err)
	}
	if result.DeletedCount == 0 {
		return store.ErrNotFound
	}
	_, err = s.permissions.DeleteMany(ctx, bson.M{"container_id": id})
	return wrapErr(err)
}

func (s *ContainerStore) GrantPermission(ctx context.Context, perm *models.ContainerPermission) error {
	if perm.GrantedAt.IsZero() {
		perm.GrantedAt = time.Now()
	}
	filter := bson.M{"container_id": perm.ContainerID, "user_id": perm.UserID}
	update := bson.M{"$set": bson.M{
		"level":      perm.Level,
		"granted_by": perm.GrantedBy,
		"granted_at": perm.GrantedAt,
	}}
	_, err := s.permissions.UpdateOne(ctx, filter, update, options.Update().SetUpsert(true))
	return wrapErr(err)
}

func (s *ContainerStore) RevokePermission(ctx context.Context, containerID, userID primitive.ObjectID) error {
	filter := bson.M{"container_id": containerID, "user_id": userID}
	result, err := s.permissions.DeleteOne(ctx, filter)
	if err != nil {
		return wrapErr(err)
	}
	if result.DeletedCount == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *ContainerStore) PermissionsForUser(ctx context.Context, userID primitive.ObjectID) ([]models.ContainerPermission, error) {
	cursor, err := s.permissions.Find(ctx, bson.M{"user_id": userID})
	if err != nil {
		return nil, wrapErr(err)
	}
	defer cursor.Close(ctx)

	var perms []models.ContainerPermission
	if err := cursor.All(ctx, &perms); err != nil {
		return nil, wrapErr(err)
	}
	return perms, nil
}

func (s *ContainerStore) PermissionsForContainer(ctx context.Context, containerID primitive.ObjectID) ([]models.ContainerPermission, error) {
	cursor, err := s.permissions.Find(ctx, bson.M{"container_id": containerID})
	if err != nil {
		return nil, wrapErr(err)
	}
	defer cursor.Close(ctx)

	var perms []models.ContainerPermission
	if err := cursor.All(ctx, &perms); err != nil {
		return nil, wrapErr(err)
	}
	return perms, nil
}
