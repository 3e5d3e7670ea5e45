package transport

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBusRoundTrip(t *testing.T) {
	bus := NewBus()
	a := bus.Attach("a")
	b := bus.Attach("b")

	b.RegisterHandler(func(ctx context.Context, msg *Message) (*Message, error) {
		require.Equal(t, "a", msg.From)
		return &Message{Type: MsgAck, Key: msg.Key, Version: 7}, nil
	})

	resp, err := a.Send(context.Background(), "b", &Message{Type: MsgRead, Key: "k"})
	require.NoError(t, err)
	require.Equal(t, MsgAck, resp.Type)
	require.Equal(t, "k", resp.Key)
	require.Equal(t, uint64(7), resp.Version)
}

func TestBusUnknownNodeUnreachable(t *testing.T) {
	bus := NewBus()
	a := bus.Attach("a")

	_, err := a.Send(context.Background(), "ghost", &Message{Type: MsgRead})
	require.ErrorIs(t, err, ErrNodeUnreachable)
}

func TestBusSeverAndHeal(t *testing.T) {
	bus := NewBus()
	a := bus.Attach("a")
	b := bus.Attach("b")
	b.RegisterHandler(func(ctx context.Context, msg *Message) (*Message, error) {
		return &Message{Type: MsgAck}, nil
	})

	bus.Sever("b")
	_, err := a.Send(context.Background(), "b", &Message{Type: MsgReplicate})
	require.ErrorIs(t, err, ErrNodeUnreachable)

	bus.Heal("b")
	_, err = a.Send(context.Background(), "b", &Message{Type: MsgReplicate})
	require.NoError(t, err)
}

func TestBusClosedTransport(t *testing.T) {
	bus := NewBus()
	a := bus.Attach("a")
	bus.Attach("b")

	require.NoError(t, a.Close())
	_, err := a.Send(context.Background(), "b", &Message{Type: MsgRead})
	require.Error(t, err)
}
