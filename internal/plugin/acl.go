package plugin

import (
	"context"
	"slices"

	"github.com/life-stream-dev/life-stream-mqtt-engine/internal/topic"
)

const anonymousUser = "anonymous"

// AllowAllTopics is installed when topic checking is disabled.
type AllowAllTopics struct{}

func (AllowAllTopics) AuthorizeSubscribe(_ context.Context, _ Client, _ string, qos byte) (Decision, byte, error) {
	return Allow, qos, nil
}

func (AllowAllTopics) AuthorizePublish(context.Context, Client, string) (Decision, error) {
	return Allow, nil
}

// TopicACL holds per-username filter lists. Clients without username use the
// "anonymous" entry. Publishing is unrestricted when no publish ACL is configured.
type TopicACL struct {
	ACL        map[string][]string
	PublishACL map[string][]string
}

func (a TopicACL) AuthorizeSubscribe(_ context.Context, client Client, filter string, qos byte) (Decision, byte, error) {
	for _, allowed := range a.ACL[userKey(client)] {
		if covers(allowed, filter) {
			return Allow, qos, nil
		}
	}
	return Deny, 0, nil
}

func (a TopicACL) AuthorizePublish(_ context.Context, client Client, name string) (Decision, error) {
	if a.PublishACL == nil {
		return Allow, nil
	}
	for _, allowed := range a.PublishACL[userKey(client)] {
		if topic.Match(allowed, name) {
			return Allow, nil
		}
	}
	return Deny, nil
}

// TopicTaboo refuses a fixed set of topics to everybody except the admin user, including
// wildcard subscriptions that would match one of them. It abstains on everything else.
type TopicTaboo struct {
	Topics []string
	Admin  string
}

func (t TopicTaboo) AuthorizeSubscribe(_ context.Context, client Client, filter string, _ byte) (Decision, byte, error) {
	if t.isTaboo(client, filter) {
		return Deny, 0, nil
	}
	if topic.HasWildcard(filter) && !t.isAdmin(client) {
		for _, name := range t.Topics {
			if topic.Match(filter, name) {
				return Deny, 0, nil
			}
		}
	}
	return Abstain, 0, nil
}

func (t TopicTaboo) AuthorizePublish(_ context.Context, client Client, name string) (Decision, error) {
	if t.isTaboo(client, name) {
		return Deny, nil
	}
	return Abstain, nil
}

func (t TopicTaboo) isTaboo(client Client, name string) bool {
	return !t.isAdmin(client) && slices.Contains(t.Topics, name)
}

func (t TopicTaboo) isAdmin(client Client) bool {
	return t.Admin != "" && client.Username == t.Admin
}

func userKey(client Client) string {
	if client.Username == "" {
		return anonymousUser
	}
	return client.Username
}

// covers reports whether every topic matched by filter is also matched by allowed.
func covers(allowed, filter string) bool {
	ai, fi := 0, 0
	alen, flen := len(allowed), len(filter)
	for ai <= alen {
		aend := ai
		for aend < alen && allowed[aend] != '/' {
			aend++
		}
		alevel := allowed[ai:aend]
		if alevel == "#" {
			return true
		}
		if fi > flen {
			return false
		}
		fend := fi
		for fend < flen && filter[fend] != '/' {
			fend++
		}
		flevel := filter[fi:fend]
		switch {
		case flevel == "#":
			return false
		case alevel == "+":
		case flevel == "+" || alevel != flevel:
			return false
		}
		ai, fi = aend+1, fend+1
	}
	return fi > flen
}
