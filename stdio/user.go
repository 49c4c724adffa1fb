package stdio

import (
	"os/user"
)

// UserProvider names the local principal recorded on the stdio session. No
// credential is checked: whoever can spawn the process already has the
// database configuration it reads.
type UserProvider interface {
	CurrentUserID() (string, error)
}

// OSUserProvider reports the operating system user running the process:
// user.Username when set, otherwise the numeric Uid.
type OSUserProvider struct{}

func (OSUserProvider) CurrentUserID() (string, error) {
	u, err := user.Current()
	if err != nil {
		return "", err
	}
	if u.Username != "" {
		return u.Username, nil
	}
	return u.Uid, nil
}

// StaticUser reports a fixed user ID.
type StaticUser string

func (s StaticUser) CurrentUserID() (string, error) { return string(s), nil }
