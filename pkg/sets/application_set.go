package sets

import (
	"context"
	"fmt"

	"github.com/Masterminds/semver/v3"

	"github.com/morezero/kiwibus/pkg/commsutil"
)

// ActionGetAppInfos lists applications.
const ActionGetAppInfos = "getAppInfos"

// Application is one installable application of the app server.
type Application struct {
	AppID   string                 `json:"appId"`
	Name    string                 `json:"name,omitempty"`
	Version string                 `json:"version,omitempty"`
	Channel string                 `json:"channel,omitempty"`
	Meta    map[string]interface{} `json:"meta,omitempty"`
}

// ApplicationSet queries the app server.
type ApplicationSet struct {
	client *Client
	query
	constraint string
}

// Applications starts an application query.
func (c *Client) Applications() *ApplicationSet {
	return &ApplicationSet{client: c}
}

func (s *ApplicationSet) Filter(filter map[string]interface{}) *ApplicationSet {
	s.setFilter(filter)
	return s
}

func (s *ApplicationSet) Projection(projection map[string]interface{}) *ApplicationSet {
	s.mergeProjection(projection)
	return s
}

func (s *ApplicationSet) Sort(field, direction string) *ApplicationSet {
	s.addSort(field, direction)
	return s
}

func (s *ApplicationSet) Paginate(offset, limit int) *ApplicationSet {
	s.paginate(offset, limit)
	return s
}

// VersionConstraint keeps only applications whose version satisfies expr,
// e.g. ">= 1.2, < 2". Applications without a valid version are dropped.
func (s *ApplicationSet) VersionConstraint(expr string) *ApplicationSet {
	s.constraint = expr
	return s
}

// Query runs the request and applies the version constraint. Total keeps the
// server count.
func (s *ApplicationSet) Query(ctx context.Context) (*Result[Application], error) {
	var constraint *semver.Constraints
	if s.constraint != "" {
		c, err := semver.NewConstraint(s.constraint)
		if err != nil {
			return nil, fmt.Errorf("%s - invalid version constraint %q: %w", logPrefix, s.constraint, err)
		}
		constraint = c
	}

	res, err := run[Application](ctx, s.client, commsutil.AddressAppServer, ActionGetAppInfos, s.params())
	if err != nil || constraint == nil {
		return res, err
	}

	kept := res.Items[:0]
	for _, app := range res.Items {
		v, err := semver.NewVersion(app.Version)
		if err != nil {
			continue
		}
		if constraint.Check(v) {
			kept = append(kept, app)
		}
	}
	res.Items = kept
	return res, nil
}
