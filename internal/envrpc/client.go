package envrpc

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/cartridge/mantis/internal/env"
)

// Client is an env.Environment backed by a remote environment service.
type Client struct {
	conn *grpc.ClientConn
}

// Dial connects to the environment service at addr.
func Dial(addr string, opts ...grpc.DialOption) (*Client, error) {
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to environment at %s: %w", addr, err)
	}
	return &Client{conn: conn}, nil
}

// Reset implements env.Environment.
func (c *Client) Reset(ctx context.Context) (env.Observation, error) {
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, resetMethod, &emptypb.Empty{}, out); err != nil {
		return env.Observation{}, fmt.Errorf("reset: %w", err)
	}
	res, err := stepFromProto(out)
	if err != nil {
		return env.Observation{}, fmt.Errorf("decode reset response: %w", err)
	}
	return res.Observation, nil
}

// Step implements env.Environment.
func (c *Client) Step(ctx context.Context, action int) (env.StepResult, error) {
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, stepMethod, wrapperspb.Int32(int32(action)), out); err != nil {
		return env.StepResult{}, fmt.Errorf("step: %w", err)
	}
	res, err := stepFromProto(out)
	if err != nil {
		return env.StepResult{}, fmt.Errorf("decode step response: %w", err)
	}
	return res, nil
}

// Close implements env.Environment.
func (c *Client) Close() error {
	return c.conn.Close()
}
