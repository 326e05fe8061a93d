package sets

import (
	"context"

	"github.com/morezero/kiwibus/pkg/commsutil"
)

// ActionGetUsers lists users.
const ActionGetUsers = "getUsers"

// User is one account of the user manager.
type User struct {
	UserID       string                 `json:"userId"`
	EmailAddress string                 `json:"emailAddress,omitempty"`
	GivenName    string                 `json:"givenName,omitempty"`
	FamilyName   string                 `json:"familyName,omitempty"`
	Locale       string                 `json:"locale,omitempty"`
	Properties   map[string]interface{} `json:"properties,omitempty"`
}

// UserSet queries the user manager.
type UserSet struct {
	client *Client
	query
}

// Users starts a user query.
func (c *Client) Users() *UserSet {
	return &UserSet{client: c}
}

func (s *UserSet) Filter(filter map[string]interface{}) *UserSet {
	s.setFilter(filter)
	return s
}

func (s *UserSet) Projection(projection map[string]interface{}) *UserSet {
	s.mergeProjection(projection)
	return s
}

func (s *UserSet) Sort(field, direction string) *UserSet {
	s.addSort(field, direction)
	return s
}

func (s *UserSet) Paginate(offset, limit int) *UserSet {
	s.paginate(offset, limit)
	return s
}

// Query runs the request.
func (s *UserSet) Query(ctx context.Context) (*Result[User], error) {
	return run[User](ctx, s.client, commsutil.AddressUserManager, ActionGetUsers, s.params())
}
