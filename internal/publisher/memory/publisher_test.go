package memory

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/adintel/internal/jobs"
)

func TestPublisherStoresMessages(t *testing.T) {
	t.Parallel()

	pub := New()
	id1, err := pub.Publish(context.Background(), "job-events", jobs.Notification{JobID: "job-1", Status: jobs.StatusCompleted})
	require.NoError(t, err)
	assert.Equal(t, "memory-1", id1)
	id2, err := pub.Publish(context.Background(), "other", "payload")
	require.NoError(t, err)
	assert.Equal(t, "memory-2", id2)

	msgs := pub.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, "job-events", msgs[0].Topic)

	msgs[0].Topic = "modified"
	assert.Equal(t, "job-events", pub.Messages()[0].Topic, "Messages returns a copy")

	notes := pub.Notifications()
	require.Len(t, notes, 1)
	assert.Equal(t, "job-1", notes[0].JobID)
}

func TestPublisherFailWith(t *testing.T) {
	t.Parallel()

	pub := New()
	boom := errors.New("unavailable")
	pub.FailWith(boom)
	_, err := pub.Publish(context.Background(), "job-events", "x")
	require.ErrorIs(t, err, boom)
	require.Empty(t, pub.Messages())

	pub.FailWith(nil)
	_, err = pub.Publish(context.Background(), "job-events", "x")
	require.NoError(t, err)
}
