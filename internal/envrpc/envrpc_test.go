package envrpc

import (
	"context"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/cartridge/mantis/internal/env"
	"github.com/cartridge/mantis/internal/sim"
)

func startServer(t *testing.T, backend env.Environment) *Client {
	t.Helper()

	lis := bufconn.Listen(1 << 20)
	gs := grpc.NewServer()
	Register(gs, NewServer(backend))
	go func() {
		_ = gs.Serve(lis)
	}()
	t.Cleanup(gs.Stop)

	client, err := Dial("passthrough:///bufnet", grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
		return lis.DialContext(ctx)
	}))
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestClient_MatchesLocalSimulator(t *testing.T) {
	local, err := sim.New(sim.DefaultConfig())
	require.NoError(t, err)
	remoteBackend, err := sim.New(sim.DefaultConfig())
	require.NoError(t, err)

	client := startServer(t, remoteBackend)
	ctx := context.Background()

	want, err := local.Reset(ctx)
	require.NoError(t, err)
	got, err := client.Reset(ctx)
	require.NoError(t, err)
	assert.Equal(t, want, got)

	for _, action := range []int{sim.ActionLeft, sim.ActionForward, sim.ActionRight} {
		wantStep, err := local.Step(ctx, action)
		require.NoError(t, err)
		gotStep, err := client.Step(ctx, action)
		require.NoError(t, err)
		assert.Equal(t, wantStep, gotStep)
		if wantStep.Done {
			break
		}
	}
}

func TestClient_BackendErrorsBecomeStatus(t *testing.T) {
	backend, err := sim.New(sim.DefaultConfig())
	require.NoError(t, err)
	client := startServer(t, backend)

	// Step before reset is rejected by the simulator.
	_, err = client.Step(context.Background(), sim.ActionForward)
	require.Error(t, err)
	assert.Equal(t, codes.FailedPrecondition, status.Code(err))
}

func TestStepFromProto_Malformed(t *testing.T) {
	_, err := stepFromProto(&structpb.Struct{})
	assert.Error(t, err)

	bad := &structpb.Struct{Fields: map[string]*structpb.Value{
		fieldLaser:  structpb.NewStringValue("nope"),
		fieldTarget: floatList([]float64{1, 2}),
	}}
	_, err = stepFromProto(bad)
	assert.Error(t, err)
}

func TestStepProtoRoundTrip(t *testing.T) {
	in := env.StepResult{
		Observation: env.Observation{Laser: []float64{0.5, 1.5}, Target: []float64{-1, 2}},
		Reward:      -200,
		Done:        true,
	}
	out, err := stepFromProto(stepToProto(in))
	require.NoError(t, err)
	assert.Equal(t, in, out)
}
