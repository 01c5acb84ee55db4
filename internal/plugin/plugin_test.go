package plugin

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

type authFunc func(ctx context.Context, creds Credentials) (Decision, error)

func (f authFunc) Authenticate(ctx context.Context, creds Credentials) (Decision, error) {
	return f(ctx, creds)
}

type panickingFilter struct{}

func (panickingFilter) AuthorizeSubscribe(context.Context, Client, string, byte) (Decision, byte, error) {
	panic("broken plugin")
}

func (panickingFilter) AuthorizePublish(context.Context, Client, string) (Decision, error) {
	return Abstain, errors.New("backend down")
}

func newManager(t *testing.T, options ...Option) *Manager {
	t.Helper()
	m, err := NewManager(options...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close(context.Background()) })
	return m
}

func TestAuthenticateChain(t *testing.T) {
	ctx := context.Background()

	// no plugin gives a definitive answer
	m := newManager(t)
	assert.False(t, m.Authenticate(ctx, Credentials{ClientID: "c"}))

	abstain := authFunc(func(context.Context, Credentials) (Decision, error) { return Abstain, nil })
	allow := authFunc(func(context.Context, Credentials) (Decision, error) { return Allow, nil })
	failing := authFunc(func(context.Context, Credentials) (Decision, error) { return Allow, errors.New("ldap down") })
	panicking := authFunc(func(context.Context, Credentials) (Decision, error) { panic("boom") })

	assert.True(t, newManager(t, WithAuthenticators(abstain, allow)).Authenticate(ctx, Credentials{}))
	assert.False(t, newManager(t, WithAuthenticators(failing, allow)).Authenticate(ctx, Credentials{}))
	assert.False(t, newManager(t, WithAuthenticators(panicking, allow)).Authenticate(ctx, Credentials{}))
}

func TestAnonymousAuth(t *testing.T) {
	ctx := context.Background()
	d, _ := AnonymousAuth{Allowed: true}.Authenticate(ctx, Credentials{})
	assert.Equal(t, Allow, d)
	d, _ = AnonymousAuth{Allowed: false}.Authenticate(ctx, Credentials{})
	assert.Equal(t, Deny, d)
	d, _ = AnonymousAuth{Allowed: true}.Authenticate(ctx, Credentials{HasUsername: true, Username: "u"})
	assert.Equal(t, Abstain, d)
}

func TestFileAuth(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("s3cret"), bcrypt.MinCost)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "passwd")
	content := "# users\n\nalice:" + string(hash) + "\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))

	auth, err := NewFileAuth(path)
	require.NoError(t, err)

	ctx := context.Background()
	tests := []struct {
		name   string
		creds  Credentials
		expect Decision
	}{
		{"valid", Credentials{HasUsername: true, Username: "alice", HasPassword: true, Password: []byte("s3cret")}, Allow},
		{"wrong password", Credentials{HasUsername: true, Username: "alice", HasPassword: true, Password: []byte("nope")}, Deny},
		{"unknown user", Credentials{HasUsername: true, Username: "bob", HasPassword: true, Password: []byte("s3cret")}, Deny},
		{"no username", Credentials{}, Abstain},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := auth.Authenticate(ctx, tt.creds)
			require.NoError(t, err)
			assert.Equal(t, tt.expect, d)
		})
	}

	require.NoError(t, os.WriteFile(path, []byte("broken-line\n"), 0600))
	_, err = NewFileAuth(path)
	assert.Error(t, err)
}

func TestTopicACL(t *testing.T) {
	ctx := context.Background()
	acl := TopicACL{
		ACL: map[string][]string{
			"alice":     {"sensors/#", "cmd/+/alice"},
			"anonymous": {"public/+"},
		},
	}
	alice := Client{ClientID: "c1", Username: "alice"}
	anonymous := Client{ClientID: "c2"}

	tests := []struct {
		client Client
		filter string
		expect Decision
	}{
		{alice, "sensors/temp", Allow},
		{alice, "sensors/#", Allow},
		{alice, "sensors/+/room", Allow},
		{alice, "cmd/x/alice", Allow},
		{alice, "cmd/+/alice", Allow},
		{alice, "cmd/#", Deny},
		{alice, "cmd/x/bob", Deny},
		{alice, "public/a", Deny},
		{anonymous, "public/a", Allow},
		{anonymous, "public/#", Deny},
		{anonymous, "public/a/b", Deny},
		{Client{Username: "mallory"}, "public/a", Deny},
	}
	for _, tt := range tests {
		d, qos, err := acl.AuthorizeSubscribe(ctx, tt.client, tt.filter, 1)
		require.NoError(t, err)
		assert.Equal(t, tt.expect, d, "user=%q filter=%q", tt.client.Username, tt.filter)
		if d == Allow {
			assert.Equal(t, byte(1), qos)
		}
	}

	// publishing is open until a publish ACL is configured
	d, _ := acl.AuthorizePublish(ctx, alice, "anything")
	assert.Equal(t, Allow, d)

	acl.PublishACL = map[string][]string{"alice": {"sensors/+/data"}}
	d, _ = acl.AuthorizePublish(ctx, alice, "sensors/t1/data")
	assert.Equal(t, Allow, d)
	d, _ = acl.AuthorizePublish(ctx, alice, "sensors/t1/cfg")
	assert.Equal(t, Deny, d)
	d, _ = acl.AuthorizePublish(ctx, anonymous, "sensors/t1/data")
	assert.Equal(t, Deny, d)
}

func TestTopicTaboo(t *testing.T) {
	ctx := context.Background()
	taboo := TopicTaboo{Topics: []string{"prohibited"}, Admin: "admin"}
	m := newManager(t, WithTopicFilters(taboo, AllowAllTopics{}))

	assert.False(t, m.AuthorizePublish(ctx, Client{Username: "u"}, "prohibited"))
	assert.True(t, m.AuthorizePublish(ctx, Client{Username: "admin"}, "prohibited"))
	assert.True(t, m.AuthorizePublish(ctx, Client{Username: "u"}, "allowed"))
	_, ok := m.AuthorizeSubscribe(ctx, Client{}, "prohibited", 0)
	assert.False(t, ok)

	// wildcards reaching a taboo topic are refused too
	_, ok = m.AuthorizeSubscribe(ctx, Client{Username: "u"}, "#", 0)
	assert.False(t, ok)
	_, ok = m.AuthorizeSubscribe(ctx, Client{Username: "u"}, "sensors/+", 0)
	assert.True(t, ok)
	_, ok = m.AuthorizeSubscribe(ctx, Client{Username: "admin"}, "#", 0)
	assert.True(t, ok)
}

func TestAuthorizeSubscribeGrant(t *testing.T) {
	ctx := context.Background()
	m := newManager(t, WithTopicFilters(AllowAllTopics{}), WithMaxQoS(1))

	granted, ok := m.AuthorizeSubscribe(ctx, Client{}, "a/#", 2)
	assert.True(t, ok)
	assert.Equal(t, byte(1), granted)

	granted, ok = m.AuthorizeSubscribe(ctx, Client{}, "a/#", 0)
	assert.True(t, ok)
	assert.Zero(t, granted)

	// failing or panicking plugins deny, they never allow
	broken := newManager(t, WithTopicFilters(panickingFilter{}, AllowAllTopics{}))
	_, ok = broken.AuthorizeSubscribe(ctx, Client{}, "a", 0)
	assert.False(t, ok)
	assert.False(t, broken.AuthorizePublish(ctx, Client{}, "a"))

	// no filter plugin at all
	assert.False(t, newManager(t).AuthorizePublish(ctx, Client{}, "a"))
}

func TestFireEvents(t *testing.T) {
	var (
		mu     sync.Mutex
		events []Event
		wg     sync.WaitGroup
	)
	wg.Add(2)
	record := EventHandlerFunc(func(ev Event) {
		mu.Lock()
		events = append(events, ev)
		mu.Unlock()
		wg.Done()
	})
	panicking := EventHandlerFunc(func(Event) { panic("handler bug") })

	m := newManager(t, WithEventHandlers(panicking, EventLogger{}, record))
	m.Fire(Event{Type: ClientConnected, ClientID: "c1"})
	m.Fire(Event{Type: MessageReceived, ClientID: "c1", Topic: "a", Payload: []byte("x")})

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("events were not delivered")
	}

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, events, 2)
	assert.False(t, events[0].Time.IsZero())
	assert.Equal(t, "client_connected", ClientConnected.String())
}
