// Package messages contains the GitClub event payloads written to the outbox.
//
// Tags keep the fully-qualified names used by the original producers so rows
// written by either side decode the same way.
package messages

import "github.com/coachpo/pgoutbox/internal/domain/events"

// Type tags as stored in outbox_event.event_type.
const (
	TagOrganizationCreated = "GitClub.Messages.OrganizationCreatedMessage"
	TagOrganizationDeleted = "GitClub.Messages.OrganizationDeletedMessage"
	TagTeamCreated         = "GitClub.Messages.TeamCreatedMessage"
	TagTeamDeleted         = "GitClub.Messages.TeamDeletedMessage"
	TagUserDeleted         = "GitClub.Messages.UserDeletedMessage"
	TagRepositoryCreated   = "GitClub.Messages.RepositoryCreatedMessage"
	TagRepositoryUpdated   = "GitClub.Messages.RepositoryUpdatedMessage"
	TagIssueUpdated        = "GitClub.Messages.IssueUpdatedMessage"
	TagIssueDeleted        = "GitClub.Messages.IssueDeletedMessage"
)

// GhostUserID is the actor recorded for system-originated writes.
const GhostUserID = 1

type OrganizationCreated struct {
	OrganizationID int `json:"organizationId"`
}

type OrganizationDeleted struct {
	OrganizationID int `json:"organizationId"`
}

type TeamCreated struct {
	TeamID         int `json:"teamId"`
	OrganizationID int `json:"organizationId"`
}

type TeamDeleted struct {
	TeamID int `json:"teamId"`
}

type UserDeleted struct {
	UserID int `json:"userId"`
}

type RepositoryCreated struct {
	RepositoryID int `json:"repositoryId"`
}

type RepositoryUpdated struct {
	RepositoryID int `json:"repositoryId"`
}

type IssueUpdated struct {
	IssueID int `json:"issueId"`
}

type IssueDeleted struct {
	IssueID int `json:"issueId"`
}

// Register adds the GitClub catalogue to r.
func Register(r *events.Registry) error {
	regs := []func() error{
		func() error { return events.Register[OrganizationCreated](r, TagOrganizationCreated) },
		func() error { return events.Register[OrganizationDeleted](r, TagOrganizationDeleted) },
		func() error { return events.Register[TeamCreated](r, TagTeamCreated) },
		func() error { return events.Register[TeamDeleted](r, TagTeamDeleted) },
		func() error { return events.Register[UserDeleted](r, TagUserDeleted) },
		func() error { return events.Register[RepositoryCreated](r, TagRepositoryCreated) },
		func() error { return events.Register[RepositoryUpdated](r, TagRepositoryUpdated) },
		func() error { return events.Register[IssueUpdated](r, TagIssueUpdated) },
		func() error { return events.Register[IssueDeleted](r, TagIssueDeleted) },
	}
	for _, reg := range regs {
		if err := reg(); err != nil {
			return err
		}
	}
	return nil
}

// NewRegistry returns a registry preloaded with the GitClub catalogue.
func NewRegistry() (*events.Registry, error) {
	r := events.NewRegistry()
	if err := Register(r); err != nil {
		return nil, err
	}
	return r, nil
}
