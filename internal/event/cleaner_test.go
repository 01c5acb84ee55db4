package event

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCleanRunsHooksInOrder(t *testing.T) {
	c := NewCleaner()
	var order []string
	c.Add(CallableFunc(func(ctx context.Context) error {
		order = append(order, "listener")
		return nil
	}))
	c.Add(CallableFunc(func(ctx context.Context) error {
		order = append(order, "broker")
		return errors.New("boom")
	}))
	c.loggerShutdown = CallableFunc(func(ctx context.Context) error {
		order = append(order, "logger")
		return nil
	})

	errs := c.Clean()
	assert.Len(t, errs, 1)
	assert.Equal(t, []string{"listener", "broker", "logger"}, order)

	// hooks added after shutdown started are ignored and Clean is one-shot
	c.Add(CallableFunc(func(ctx context.Context) error {
		order = append(order, "late")
		return nil
	}))
	assert.Nil(t, c.Clean())
	assert.Equal(t, []string{"listener", "broker", "logger"}, order)
}
