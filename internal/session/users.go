package session

import (
	"strings"

	"github.com/amine-amaach/uacore/internal/component"
	"github.com/amine-amaach/uacore/internal/model"
	"github.com/awcullen/opcua/ua"
	"golang.org/x/crypto/bcrypt"
)

const passwordCost = 8

var wellKnownRoles = map[string]ua.NodeID{
	"observer":        ua.ObjectIDWellKnownRoleObserver,
	"operator":        ua.ObjectIDWellKnownRoleOperator,
	"engineer":        ua.ObjectIDWellKnownRoleEngineer,
	"supervisor":      ua.ObjectIDWellKnownRoleSupervisor,
	"configure_admin": ua.ObjectIDWellKnownRoleConfigureAdmin,
	"security_admin":  ua.ObjectIDWellKnownRoleSecurityAdmin,
}

type user struct {
	hash  []byte
	roles []ua.NodeID
}

// users checks user name identities against the configured accounts.
type users map[string]user

// newUsers hashes the configured passwords. Passwords that already are
// bcrypt hashes are kept as they are.
func newUsers(accounts []component.User) (users, error) {
	u := users{}
	for _, account := range accounts {
		hash := []byte(account.Password)
		if _, err := bcrypt.Cost(hash); err != nil {
			if hash, err = bcrypt.GenerateFromPassword([]byte(account.Password), passwordCost); err != nil {
				return nil, err
			}
		}
		roles := []ua.NodeID{ua.ObjectIDWellKnownRoleAuthenticatedUser}
		for _, name := range account.Roles {
			if id, ok := wellKnownRoles[strings.ToLower(name)]; ok {
				roles = append(roles, id)
			}
		}
		u[account.UserName] = user{hash: hash, roles: roles}
	}
	return u, nil
}

// authenticate resolves the identity token of an activation.
func (u users) authenticate(token ua.Variant) (*model.Identity, error) {
	identity, err := model.NewIdentity(token)
	if err != nil {
		return nil, err
	}
	if identity.Kind != model.IdentityUserName {
		return identity, nil
	}
	t := token.(ua.UserNameIdentity)
	account, ok := u[t.UserName]
	if !ok {
		return nil, ua.BadUserAccessDenied
	}
	if err := bcrypt.CompareHashAndPassword(account.hash, []byte(t.Password)); err != nil {
		return nil, ua.BadUserAccessDenied
	}
	identity.Roles = account.roles
	return identity, nil
}
