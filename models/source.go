package models

import (
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// CollectionSource is a registered external web source harvested into
// documents. Runs are tracked as background tasks of kind
// external-collection; each collected page becomes a Document with
// Source == collection.
type CollectionSource struct {
	ID              primitive.ObjectID `bson:"_id,omitempty" json:"id"`
	ContainerID     primitive.ObjectID `bson:"container_id" json:"container_id"`
	Name            string             `bson:"name" json:"name" binding:"required,min=2,max=100"`
	BaseURL         string             `bson:"base_url" json:"base_url" binding:"required,url"`
	AllowedDomains  []string           `bson:"allowed_domains,omitempty" json:"allowed_domains,omitempty"`
	AllowedPaths    []string           `bson:"allowed_paths,omitempty" json:"allowed_paths,omitempty"`
	ContentSelector string             `bson:"content_selector,omitempty" json:"content_selector,omitempty"`
	MaxPages        int                `bson:"max_pages" json:"max_pages"`
	MaxDepth        int                `bson:"max_depth" json:"max_depth"`
	FollowLinks     bool               `bson:"follow_links" json:"follow_links"`
	RespectRobots   bool               `bson:"respect_robots" json:"respect_robots"`
	RenderJS        bool               `bson:"render_js" json:"render_js"` // headless-browser fetch for JS-heavy sites
	Schedule        string             `bson:"schedule,omitempty" json:"schedule,omitempty"` // cron expression, empty = manual only
	Enabled         bool               `bson:"enabled" json:"enabled"`
	CreatedBy       primitive.ObjectID `bson:"created_by,omitempty" json:"created_by,omitempty"`
	CreatedAt       time.Time          `bson:"created_at" json:"created_at"`
	UpdatedAt       time.Time          `bson:"updated_at" json:"updated_at"`
	LastRunAt       *time.Time         `bson:"last_run_at,omitempty" json:"last_run_at,omitempty"`
	LastRunTaskID   string             `bson:"last_run_task_id,omitempty" json:"last_run_task_id,omitempty"`
}

// CollectedPage is one fetched page before it is persisted as a Document.
type CollectedPage struct {
	URL        string    `json:"url"`
	Title      string    `json:"title"`
	Content    string    `json:"content"`
	StatusCode int       `json:"status_code"`
	Size       int64     `json:"size"`
	WordCount  int       `json:"word_count"`
	FetchedAt  time.Time `json:"fetched_at"`
}

// CollectionOutcome summarizes one finished collection run.
type CollectionOutcome struct {
	PagesVisited int `json:"pages_visited"`
	Collected    int `json:"collected"`
	Duplicates   int `json:"duplicates"`
	Errors       int `json:"errors"`
}
