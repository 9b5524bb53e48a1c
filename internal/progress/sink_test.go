package progress

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSink_SubscribeSeesCurrentStateImmediately(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s := New(ctx)
	defer s.Stop()

	s.Publish(State{Kind: Checking})

	ch := s.Subscribe("widget")
	select {
	case st := <-ch:
		require.Equal(t, Checking, st.Kind)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for seeded state")
	}
}

func TestSink_FansOutToMultipleSubscribers(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s := New(ctx)
	defer s.Stop()

	a := s.Subscribe("a")
	b := s.Subscribe("b")
	<-a // drain the initial Idle seed
	<-b

	s.Publish(State{Kind: Success, Pushed: 3, Pulled: 2})

	sa := <-a
	sb := <-b
	require.Equal(t, Success, sa.Kind)
	require.Equal(t, Success, sb.Kind)
	require.Equal(t, 3, sa.Pushed)
}

func TestSink_SlowSubscriberDoesNotBlockPublish(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s := New(ctx)
	defer s.Stop()

	ch := s.Subscribe("slow")
	<-ch // drain seed

	for i := 0; i < subscriberBuffer+4; i++ {
		s.Publish(State{Kind: Syncing, Synced: i})
	}

	// A bounded number of sends must have completed without blocking.
	select {
	case st := <-ch:
		require.Equal(t, Syncing, st.Kind)
	case <-time.After(time.Second):
		t.Fatal("publish appears to have blocked on a slow subscriber")
	}
}

func TestSink_UnsubscribeClosesChannel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s := New(ctx)
	defer s.Stop()

	ch := s.Subscribe("gone")
	<-ch
	s.Unsubscribe("gone")

	_, ok := <-ch
	require.False(t, ok)
}
