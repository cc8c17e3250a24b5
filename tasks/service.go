// Package tasks is the task service: create-task and list-tasks over a
// SQLite store.
package tasks

import (
	"context"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/c360/taskmesh/envelope"
	"github.com/c360/taskmesh/errors"
	"github.com/c360/taskmesh/responder"
)

// Field limits in characters
const (
	MaxTitleLength       = 200
	MaxDescriptionLength = 2000
)

// CreateRequest is the create-task request body.
type CreateRequest struct {
	SubjectID   string `json:"subjectId"`
	Title       string `json:"title"`
	Description string `json:"description"`
}

// CreateReply carries the stored task.
type CreateReply struct {
	Task *Task `json:"task"`
}

// ListRequest is the list-tasks request body.
type ListRequest struct {
	SubjectID string `json:"subjectId"`
}

// ListReply carries the subject's tasks, newest first.
type ListReply struct {
	Tasks []*Task `json:"tasks"`
}

// Service implements the task operations.
type Service struct {
	store  Store
	logger *slog.Logger
	now    func() time.Time
}

// NewService creates the task service.
func NewService(store Store, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, logger: logger.With("component", "tasks"), now: time.Now}
}

// Mount registers the task operations on r.
func (s *Service) Mount(r *responder.Responder) error {
	if err := r.Handle(envelope.TopicCreateTask, responder.Typed(s.Create)); err != nil {
		return err
	}
	return r.Handle(envelope.TopicListTasks, responder.Typed(s.List))
}

// Create stores a new task for the subject.
func (s *Service) Create(ctx context.Context, req CreateRequest) (CreateReply, error) {
	title := strings.TrimSpace(req.Title)
	description := strings.TrimSpace(req.Description)

	switch {
	case req.SubjectID == "":
		return CreateReply{}, envelope.BadRequest("subjectId is required")
	case title == "":
		return CreateReply{}, envelope.BadRequest("title is required")
	case utf8.RuneCountInString(title) > MaxTitleLength:
		return CreateReply{}, envelope.BadRequest("title must be at most %d characters", MaxTitleLength)
	case utf8.RuneCountInString(description) > MaxDescriptionLength:
		return CreateReply{}, envelope.BadRequest("description must be at most %d characters", MaxDescriptionLength)
	}

	t := &Task{
		ID:          uuid.NewString(),
		SubjectID:   req.SubjectID,
		Title:       title,
		Description: description,
		CreatedAt:   s.now().UTC(),
	}
	if err := s.store.Create(ctx, t); err != nil {
		return CreateReply{}, errors.Wrap(err, "Service", "Create", "store task")
	}

	s.logger.Debug("task created", "task_id", t.ID, "subject_id", t.SubjectID)
	return CreateReply{Task: t}, nil
}

// List returns the subject's tasks.
func (s *Service) List(ctx context.Context, req ListRequest) (ListReply, error) {
	if req.SubjectID == "" {
		return ListReply{}, envelope.BadRequest("subjectId is required")
	}
	list, err := s.store.ListBySubject(ctx, req.SubjectID)
	if err != nil {
		return ListReply{}, errors.Wrap(err, "Service", "List", "list tasks")
	}
	return ListReply{Tasks: list}, nil
}
