package client

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/matheus3301/chatsync/internal/api"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"
)

// Client wraps the gRPC connection to a device daemon.
type Client struct {
	conn *grpc.ClientConn
}

// New dials the daemon's Unix domain socket.
func New(socketPath string) (*Client, error) {
	conn, err := grpc.NewClient(
		"unix://"+socketPath,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		return nil, fmt.Errorf("dial daemon: %w", err)
	}
	return &Client{conn: conn}, nil
}

// Close closes the gRPC connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Call invokes a unary Core method with the given request fields.
func (c *Client) Call(ctx context.Context, method string, fields map[string]any) (*structpb.Struct, error) {
	in, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, fmt.Errorf("encode %s request: %w", method, err)
	}
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, api.FullMethod(method), in, out); err != nil {
		return nil, err
	}
	return out, nil
}

// Participant is a chat member in a CreateChat request.
type Participant struct {
	UserID string
	Role   string
}

func (c *Client) CreateChat(ctx context.Context, chatID, kind, name string, participants []Participant) (*structpb.Struct, error) {
	parts := make([]any, 0, len(participants))
	for _, p := range participants {
		entry := map[string]any{"user_id": p.UserID}
		if p.Role != "" {
			entry["role"] = p.Role
		}
		parts = append(parts, entry)
	}
	return c.Call(ctx, api.MethodCreateChat, map[string]any{
		"chat_id":      chatID,
		"kind":         kind,
		"name":         name,
		"participants": parts,
	})
}

func (c *Client) ListChats(ctx context.Context) (*structpb.Struct, error) {
	return c.Call(ctx, api.MethodListChats, nil)
}

func (c *Client) Send(ctx context.Context, chatID, text string) (*structpb.Struct, error) {
	return c.Call(ctx, api.MethodSend, map[string]any{"chat_id": chatID, "text": text})
}

func (c *Client) OpenChat(ctx context.Context, chatID string) (*structpb.Struct, error) {
	return c.Call(ctx, api.MethodOpenChat, map[string]any{"chat_id": chatID})
}

func (c *Client) LoadMore(ctx context.Context, chatID string) (*structpb.Struct, error) {
	return c.Call(ctx, api.MethodLoadMore, map[string]any{"chat_id": chatID})
}

func (c *Client) CloseChat(ctx context.Context, chatID string) error {
	_, err := c.Call(ctx, api.MethodCloseChat, map[string]any{"chat_id": chatID})
	return err
}

func (c *Client) UpdateParticipantRole(ctx context.Context, chatID, userID, role string) (*structpb.Struct, error) {
	return c.Call(ctx, api.MethodUpdateParticipantRole, map[string]any{
		"chat_id": chatID,
		"user_id": userID,
		"role":    role,
	})
}

func (c *Client) SetConnectivity(ctx context.Context, online bool) (*structpb.Struct, error) {
	return c.Call(ctx, api.MethodSetConnectivity, map[string]any{"online": online})
}

// HistoryMessage is one message of an IngestHistory batch.
type HistoryMessage struct {
	ID              string
	AuthorID        string
	Text            string
	CreatedAtUnixMs int64
}

func (c *Client) IngestHistory(ctx context.Context, chatID string, msgs []HistoryMessage) (*structpb.Struct, error) {
	list := make([]any, 0, len(msgs))
	for _, m := range msgs {
		list = append(list, map[string]any{
			"id":                 m.ID,
			"author_id":          m.AuthorID,
			"text":               m.Text,
			"created_at_unix_ms": m.CreatedAtUnixMs,
		})
	}
	return c.Call(ctx, api.MethodIngestHistory, map[string]any{"chat_id": chatID, "messages": list})
}

func (c *Client) MarkRead(ctx context.Context, chatID string) (*structpb.Struct, error) {
	return c.Call(ctx, api.MethodMarkRead, map[string]any{"chat_id": chatID})
}

func (c *Client) GetStatus(ctx context.Context) (*structpb.Struct, error) {
	return c.Call(ctx, api.MethodGetStatus, nil)
}

// WatchEvents streams events whose kind starts with prefix to fn until ctx
// ends, the server closes the stream or fn returns an error.
func (c *Client) WatchEvents(ctx context.Context, prefix string, fn func(*structpb.Struct) error) error {
	stream, err := c.conn.NewStream(ctx, &api.ServiceDesc.Streams[0], api.FullMethod(api.MethodWatchEvents))
	if err != nil {
		return err
	}
	in, err := structpb.NewStruct(map[string]any{"prefix": prefix})
	if err != nil {
		return err
	}
	if err := stream.SendMsg(in); err != nil {
		return err
	}
	if err := stream.CloseSend(); err != nil {
		return err
	}
	for {
		evt := new(structpb.Struct)
		if err := stream.RecvMsg(evt); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		if err := fn(evt); err != nil {
			return err
		}
	}
}
