// Package idp talks to the identity provider that holds the authoritative
// roster. The engine depends only on the Client interface; the Keycloak
// implementation lives in keycloak.go.
package idp

import (
	"context"
	"strings"
)

// User is the provider's user representation. Attributes is only populated
// when the listing requests full (non-brief) records; the teacher detector
// reads LDAP_ENTRY_DN and role attributes from it.
type User struct {
	ID         string              `json:"id,omitempty"`
	Username   string              `json:"username"`
	Email      string              `json:"email,omitempty"`
	Enabled    bool                `json:"enabled"`
	FirstName  string              `json:"firstName,omitempty"`
	LastName   string              `json:"lastName,omitempty"`
	Attributes map[string][]string `json:"attributes,omitempty"`
}

// Attr returns the first value of the named attribute, matching the key
// case-insensitively (LDAP-derived attribute names vary in casing).
func (u User) Attr(key string) string {
	for k, vs := range u.Attributes {
		if strings.EqualFold(k, key) && len(vs) > 0 {
			return vs[0]
		}
	}
	return ""
}

// Group is one node of the provider's group tree.
type Group struct {
	ID        string  `json:"id,omitempty"`
	Name      string  `json:"name"`
	Path      string  `json:"path,omitempty"`
	ParentID  string  `json:"parentId,omitempty"`
	SubGroups []Group `json:"subGroups,omitempty"`
}

// Client is the capability surface the sync engine needs from a provider.
type Client interface {
	CountUsers(ctx context.Context) (int, error)
	ListUsers(ctx context.Context, first, max int) ([]User, error)
	SearchUsers(ctx context.Context, search string, first, max int) ([]User, error)
	ListGroups(ctx context.Context, first, max int) ([]Group, error)
	ListGroupMembers(ctx context.Context, groupID string, first, max int) ([]User, error)
	GetUserGroups(ctx context.Context, userID string) ([]Group, error)
	CreateUser(ctx context.Context, u User) (string, error)
	UpdateUser(ctx context.Context, u User) error
	AddUserToGroup(ctx context.Context, userID, groupID string) error
	RemoveUserFromGroup(ctx context.Context, userID, groupID string) error
}

// Flatten yields every node of the tree in pre-order: each parent precedes
// its children, siblings keep server order. SubGroups is stripped from each
// copy so consumers always see a flat list.
func Flatten(groups []Group) []Group {
	out := make([]Group, 0, len(groups))
	var walk func(gs []Group)
	walk = func(gs []Group) {
		for _, g := range gs {
			sub := g.SubGroups
			g.SubGroups = nil
			out = append(out, g)
			walk(sub)
		}
	}
	walk(groups)
	return out
}

// DrainUsers pages through ListUsers until a short page. A page of exactly
// max items means more may exist. onPage, when non-nil, receives the running
// total after each page.
func DrainUsers(ctx context.Context, c Client, max int, onPage func(total int)) ([]User, error) {
	if max <= 0 {
		max = 100
	}
	var all []User
	for first := 0; ; first += max {
		page, err := c.ListUsers(ctx, first, max)
		if err != nil {
			return nil, err
		}
		all = append(all, page...)
		if onPage != nil {
			onPage(len(all))
		}
		if len(page) < max {
			return all, nil
		}
	}
}

// DrainGroupsFlat pages through ListGroups until a short page, then flattens
// the combined tree pre-order.
func DrainGroupsFlat(ctx context.Context, c Client, max int) ([]Group, error) {
	if max <= 0 {
		max = 100
	}
	var tree []Group
	for first := 0; ; first += max {
		page, err := c.ListGroups(ctx, first, max)
		if err != nil {
			return nil, err
		}
		tree = append(tree, page...)
		if len(page) < max {
			break
		}
	}
	return Flatten(tree), nil
}

// DrainGroupMembers pages through one group's member list until a short page.
func DrainGroupMembers(ctx context.Context, c Client, groupID string, max int) ([]User, error) {
	if max <= 0 {
		max = 100
	}
	var all []User
	for first := 0; ; first += max {
		page, err := c.ListGroupMembers(ctx, groupID, first, max)
		if err != nil {
			return nil, err
		}
		all = append(all, page...)
		if len(page) < max {
			return all, nil
		}
	}
}
